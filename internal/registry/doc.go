// Package registry multiplexes many logical subscriptions over one
// physical connection.
//
// Channels are ref-counted: the first subscriber creates the channel
// and triggers one provider-level subscribe, later subscribers share
// it, and the last unsubscribe drops it. The set of channels with a
// positive subscriber count is the replay set re-established on the
// new provider after every reconnect or failover.
package registry
