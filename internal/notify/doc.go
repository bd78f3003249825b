// Package notify relays session updates to observer clients.
//
// A [Pipe] keeps one optional [Transport] per session. Notifications pushed
// while no transport is attached are buffered and flushed, oldest first,
// when one attaches. Delivery never fails the caller: a write that errors
// is logged and dropped.
//
// Each notification is a JSON-RPC session/update envelope framed for an
// event stream:
//
//	data: {"jsonrpc":"2.0","method":"session/update","params":{"sessionId":"s1","update":{...}}}
//
// [SSETransport] writes frames as-is. [WebSocketTransport] sends only the
// JSON envelope as a text message.
package notify
