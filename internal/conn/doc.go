// Package conn owns the lifecycle of the tunnel's single logical
// connection, independent of which provider currently carries it.
//
// The Machine is the only writer of the Connection record; every
// state change goes through its transition methods. Reconnect pacing
// lives here too: exponential backoff with jitter, capped, with the
// attempt counter reset only on a successful connect.
package conn
