// Package live coordinates a real-time conversational session with a remote
// agent over a single transport channel.
//
// The Coordinator is the single authority for whether a usable live channel
// exists, which agent it targets, and which outstanding request an inbound
// event belongs to. The same Coordinator serves voice and text interaction;
// text reuses whatever channel is already connected while voice insists on
// the voice agent.
//
// # Concurrency
//
// All session state is owned by the goroutine running Run. Public methods
// submit short closures to that loop and perform network waits (microphone
// permission, signed URL fetch, dial, connect wait, send) in the caller's
// goroutine, re-entering the loop for each state transition. Inbound
// transport events are applied strictly in arrival order.
//
// # State Machine
//
//	DISCONNECTED → CONNECTING → CONNECTED
//	      ↑             │            │
//	      └─────────────┴────────────┘  (disconnected | error | terminate | timeout)
//
// At most one text exchange is outstanding at a time. It ends exactly once:
// on the first agent message, on the reply timeout, or when the channel
// errors or disconnects.
//
// # Usage
//
//	c := live.New(live.Config{}, live.Dependencies{
//	    Transport:  convai.NewClient(convai.ClientConfig{}, logger),
//	    Signer:     convai.NewSigner(convai.SignerConfig{}),
//	    Microphone: live.MicrophoneFunc(askUser),
//	    Logger:     logger,
//	})
//	go c.Run(ctx)
//	c.SetCredentials(ctx, creds)
//	err := c.SendTextMessage(ctx, "hello")
package live
