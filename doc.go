// Package rtcore implements the realtime communication core of a two-party
// chat application: a persistent authenticated socket, an optimistic
// message pipeline with typing indicators, a single-call signaling state
// machine and WebRTC media negotiation, all fanned out to observers through
// an in-process event bus.
//
// # Getting Started
//
// Create a Client with options and set up callbacks for events:
//
//	options := rtcore.NewOptions()
//	options.ServerURL = "wss://chat.example.com/socket"
//	options.UserID = "alice"
//	options.Token = issuedJWT
//
//	client, err := rtcore.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnMessage(func(msg *messaging.Message) {
//	    fmt.Printf("%s: %s\n", msg.SenderID, msg.PayloadRef)
//	})
//	client.OnIncomingCall(func(ev call.IncomingCall) {
//	    client.AcceptCall()
//	})
//
//	client.SetConversation("bob")
//	client.EnterForeground()
//
// # Architecture
//
// The packages layer bottom-up: bus (event fan-out), transport (socket
// lifecycle and auth handshake), media (offer/answer/ICE negotiation and
// capture), call (session state machine), messaging (optimistic sends,
// echo suppression, typing), services (upload, history and token clients)
// and this facade, which wires them with explicit dependency injection.
//
// Commands flow facade → pipeline/controller → transport; wire events flow
// transport → handlers → bus → UI observers. The media engine is commanded
// only by the call controller and touches the transport only to exchange
// signaling payloads.
package rtcore
