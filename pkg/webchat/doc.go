// Package webchat serves conversations over HTTP and websockets.
//
// REST routes under /api/conversations read and modify the store directly.
// Sending, uploading and canceling go through a per-conversation
// session.Orchestrator that the ConvManager loads on demand. The orchestrator
// publishes its events to the event bus, and a coordinator per conversation
// forwards them to the websockets attached at /ws?conv_id=N.
package webchat
