package stream

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// WriteWebSocket drains the stream to conn, one JSON text frame per event.
// It returns after the terminal event, when the stream overflows, or when
// ctx ends. The caller owns the connection lifecycle.
func WriteWebSocket(ctx context.Context, conn *websocket.Conn, s *Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				if s.Overflowed() {
					writeWSFrame(ctx, conn, OverflowEvent())
				}
				return nil
			}
			if err := writeWSFrame(ctx, conn, ev); err != nil {
				return err
			}
		}
	}
}

func writeWSFrame(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("stream: encode event: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stream: write frame: %w", err)
	}
	return nil
}

// ReadControls reads client frames off conn and delivers decoded control
// events on the returned channel until ctx ends or the connection drops.
// Undecodable frames are skipped.
func ReadControls(ctx context.Context, conn *websocket.Conn) <-chan Control {
	out := make(chan Control, 8)
	go func() {
		defer close(out)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			c, err := DecodeControl(data)
			if err != nil || c.Type == "" {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
