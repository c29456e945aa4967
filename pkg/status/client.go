package status

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"
)

// Subscribe connects to a status server's websocket and delivers its
// snapshots. Only the newest undelivered snapshot is kept. The channel is
// closed when the connection ends or ctx is done.
func Subscribe(ctx context.Context, url string) (<-chan Snapshot, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	ch := make(chan Snapshot, 1)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(ch)
		defer close(done)
		defer conn.Close()
		for {
			var snap Snapshot
			if err := conn.ReadJSON(&snap); err != nil {
				if ctx.Err() == nil {
					slog.Debug("Status subscription ended", "url", url, "error", err)
				}
				return
			}
			latest(ch, snap)
		}
	}()
	return ch, nil
}

// latest replaces an undelivered snapshot with a newer one.
func latest(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
