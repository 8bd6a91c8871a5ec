// Package protocol defines the realtime wire format.
//
// The realtime endpoint speaks Phoenix channels (vsn 1.0.0) over a websocket.
// Every frame is a JSON object with topic, event, payload, ref and join_ref.
//
// Key events: phx_join, phx_reply, heartbeat, access_token, postgres_changes
package protocol
