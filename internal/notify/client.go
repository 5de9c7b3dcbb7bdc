package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	writeTimeout   = 10 * time.Second
	sendBufferSize = 256
	shutdownReason = "shutdown"
)

// subscriber is one websocket connection receiving events.
type subscriber struct {
	id     string
	remote string
	conn   *websocket.Conn
	tx     chan *Event
	closed chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSubscriber(id, remote string, conn *websocket.Conn) *subscriber {
	return &subscriber{
		id:     id,
		remote: remote,
		conn:   conn,
		tx:     make(chan *Event, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// start runs the write loop until the peer goes away or ctx ends.
// Inbound frames are discarded; the stream is one-way.
func (s *subscriber) start(ctx context.Context) {
	ctx = s.conn.CloseRead(ctx)

	s.wg.Add(1)
	go func() {
		defer func() {
			s.wg.Done()
			s.close(websocket.StatusNormalClosure, shutdownReason)
		}()
		s.writeLoop(ctx)
	}()
}

func (s *subscriber) writeLoop(ctx context.Context) {
	for {
		select {
		case ev := <-s.tx:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, s.conn, ev)
			cancel()
			if err != nil {
				slog.Debug("notify subscriber write", "id", s.id, "type", ev.Type, "error", err)
				return
			}
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

// send queues ev without blocking. It reports false when the buffer is full.
func (s *subscriber) send(ev *Event) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.tx <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close(status, reason)
		slog.Debug("notify subscriber closed", "id", s.id, "remote", s.remote)
	})
}

// Close terminates the connection and waits for the write loop to exit.
func (s *subscriber) Close() {
	s.close(websocket.StatusGoingAway, shutdownReason)
	s.wg.Wait()
}
