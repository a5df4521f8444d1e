// Package ws streams a session's connection, QR and message events to
// websocket clients.
//
// The package implements:
//   - Hub: clients and replay history for one session
//   - HubManager: one hub per session
//   - Handler: upgrade plus read/write pumps
//   - Service: the dispatcher tap that frames events into hubs
//
// A client that attaches receives one history message carrying the most
// recent frames, then every new frame as its own websocket message.
package ws
