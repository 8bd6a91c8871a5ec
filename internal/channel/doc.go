// Package channel implements realtime channels: a topic joined over the
// shared socket with postgres_changes, broadcast and presence bindings.
//
// A channel is declared with a Builder and created with New, which
// registers it on the socket. Subscribe sends phx_join and records the
// binding ids the server assigns; later postgres_changes frames are routed
// to bindings by those ids. After a reconnect the socket calls
// HandleReconnect and every channel that was subscribed joins again.
//
// Handlers run on the socket read loop and must not block.
package channel
