// Package session records page sessions in Redis: which user a WebSocket
// belongs to, which messenger instance serves it, how far its chat
// connection got, and which conversation it has open.
package session
