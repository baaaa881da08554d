// Package tunnel implements the transport manager: the single object
// the rest of the application talks to for realtime pub/sub.
//
// The manager composes a ranked list of provider adapters, a
// connection state machine, a ref-counted channel registry, a
// presence tracker and a health monitor. Callers publish and
// subscribe against logical channel names; which transport actually
// carries the traffic is the manager's problem. On provider failure
// or degradation the manager switches transports and replays every
// live subscription, so channels and handlers never disappear from
// the caller's point of view.
//
// A Manager is an explicit, injectable instance: construct one at
// startup with New and pass it by reference. There is no hidden
// global.
package tunnel
