// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single WebSocket to the realtime endpoint
//   - Sends phoenix heartbeats and detects stale sockets
//   - Correlates pushes with their phx_reply by ref
//   - Reconnects with exponential backoff and asks topics to rejoin
//   - Routes inbound frames to registered topic handlers
//   - Propagates access token changes to every topic
package connection
