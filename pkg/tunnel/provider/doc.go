// Package provider defines the contract between the tunnel and its
// transport drivers.
//
// Each driver (WebSocket, SSE, Postgres LISTEN/NOTIFY, long-polling)
// implements the Adapter interface and reports its capability profile.
// The transport manager never branches on a concrete driver type; it
// only speaks this contract.
package provider
