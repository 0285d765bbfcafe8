package storeclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/callscribe/internal/adapters/ws"
	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func (c *Client) SubscribeSignals(ctx context.Context, id domain.SessionRecordID, fn func(domain.Signal)) (core.Subscription, error) {
	return c.subscribe(ctx, sessionPath(id, "/signals/ws"), func(env ws.Envelope) {
		if env.Type == ws.TypeSignal && env.Signal != nil {
			fn(*env.Signal)
		}
	})
}

func (c *Client) SubscribeFragments(ctx context.Context, id domain.SessionRecordID, fn func(domain.Fragment)) (core.Subscription, error) {
	return c.subscribe(ctx, sessionPath(id, "/transcripts/ws"), func(env ws.Envelope) {
		if env.Type == ws.TypeFragment && env.Fragment != nil {
			fn(*env.Fragment)
		}
	})
}

// subscription delivers envelopes one at a time from a single reader
// goroutine. A dropped socket is redialed until Close; the server replays
// recent inserts, so handlers must tolerate repeats.
type subscription struct {
	client  *Client
	url     string
	handle  func(ws.Envelope)
	logger  zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	stopCtx func() bool
	closed  bool
	closing chan struct{}
	once    sync.Once
}

const readyTimeout = 10 * time.Second

func (c *Client) subscribe(ctx context.Context, path string, handle func(ws.Envelope)) (core.Subscription, error) {
	s := &subscription{
		client:  c,
		url:     "ws" + strings.TrimPrefix(c.base, "http") + path,
		handle:  handle,
		logger:  c.logger.With().Str("feed", path).Logger(),
		closing: make(chan struct{}),
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.run(conn)
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stopCtx = stop
	s.mu.Unlock()
	return s, nil
}

// dial connects and consumes messages up to the ready marker. Inserts that
// arrive before ready are handed to the handler as usual.
func (s *subscription) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.client.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.url)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", core.ErrStore, s.url, err)
	}
	deadline := time.Now().Add(readyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: subscribe %s: %w", core.ErrStore, s.url, err)
		}
		if env.Type == ws.TypeReady {
			_ = conn.SetReadDeadline(time.Time{})
			return conn, nil
		}
		s.deliver(env)
	}
}

func (s *subscription) run(conn *websocket.Conn) {
	for {
		err := s.read(conn)
		if s.isClosed() {
			return
		}
		s.logger.Warn().Err(err).Msg("subscription dropped, reconnecting")

		for {
			select {
			case <-s.closing:
				return
			case <-time.After(s.client.ReconnectDelay):
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			next, err := s.dial(ctx)
			cancel()
			if err == nil {
				if !s.swap(next) {
					return
				}
				conn = next
				s.logger.Info().Msg("subscription restored")
				break
			}
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn().Err(err).Msg("session gone, subscription ended")
				return
			}
			s.logger.Debug().Err(err).Msg("resubscribe failed")
		}
	}
}

func (s *subscription) read(conn *websocket.Conn) error {
	for {
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		s.deliver(env)
	}
}

func (s *subscription) deliver(env ws.Envelope) {
	if s.isClosed() {
		return
	}
	s.handle(env)
}

// swap installs a redialed socket unless the subscription closed meanwhile.
func (s *subscription) swap(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops delivery. It does not wait for a handler in flight, so it is
// safe to call from inside one.
func (s *subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn, stop := s.conn, s.stopCtx
		s.mu.Unlock()
		close(s.closing)
		if stop != nil {
			stop()
		}
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		}
	})
}
