package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the only goroutine that writes to the socket.
//
// Order of preference: control frames (errors, warnings, webhook results),
// then the latest state snapshot, then agent audio. State is coalesced: a
// burst of coordinator updates produces one frame carrying the newest one.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan []byte
	audio    <-chan []byte
	// stateReady is signalled when latestState has a new value.
	stateReady  <-chan struct{}
	latestState func() []byte
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	timeout := w.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	every := w.cfg.PingInterval
	if every <= 0 {
		every = 20 * time.Second
	}
	ping := time.NewTicker(every)
	defer ping.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}
	for {
		select {
		case <-done:
			w.flushOnShutdown(timeout)
			closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = w.ws.WriteControl(websocket.CloseMessage, closing, time.Now().Add(timeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		if payload, ok := w.ready(); ok {
			if err := w.write(payload, timeout); err != nil {
				return err
			}
			continue
		}
		if w.priority == nil && w.audio == nil {
			return nil
		}

		var payload []byte
		select {
		case <-done:
			continue
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(timeout)); err != nil {
				return err
			}
			continue
		case p, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			payload = p
		case <-w.stateReady:
			payload = w.latestState()
		case p, ok := <-w.audio:
			if !ok {
				w.audio = nil
				continue
			}
			payload = p
		}
		if err := w.write(payload, timeout); err != nil {
			return err
		}
	}
}

// ready returns a queued control frame, else a pending state snapshot,
// without blocking. Audio is never returned here so it cannot overtake either.
func (w *outboundWriter) ready() ([]byte, bool) {
	if w.priority != nil {
		select {
		case p, ok := <-w.priority:
			if ok {
				return p, true
			}
			w.priority = nil
		default:
		}
	}
	select {
	case <-w.stateReady:
		return w.latestState(), true
	default:
		return nil, false
	}
}

// flushOnShutdown sends the final state and any queued control frames so a
// closing client sees why, within a short budget.
func (w *outboundWriter) flushOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	select {
	case <-w.stateReady:
		_ = w.write(w.latestState(), writeTimeout)
	default:
	}
	if w.priority == nil {
		return
	}
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case payload, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.write(payload, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) write(payload []byte, writeTimeout time.Duration) error {
	if len(payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}
