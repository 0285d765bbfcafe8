// Package storeclient reaches the store server over HTTP and WebSocket.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/callscribe/internal/core"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound    = fmt.Errorf("%w: not found", core.ErrStore)
	ErrRateLimited = fmt.Errorf("%w: rate limited", core.ErrStore)
	ErrRejected    = fmt.Errorf("%w: rejected", core.ErrStore)
)

// Client implements core.Store against a remote store server.
type Client struct {
	base   string
	hc     *http.Client
	dialer *websocket.Dialer
	logger zerolog.Logger

	// ReconnectDelay spaces resubscription attempts after a dropped socket.
	ReconnectDelay time.Duration
}

var _ core.Store = (*Client)(nil)

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base:           strings.TrimRight(baseURL, "/"),
		hc:             &http.Client{Timeout: timeout},
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         log.With().Str("module", "adapters.storeclient").Logger(),
		ReconnectDelay: time.Second,
	}
}

type createRoomRequest struct {
	Code string `json:"code"`
}

type createRoomResponse struct {
	Room    domain.Room `json:"room"`
	Created bool        `json:"created"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) ResolveRoom(ctx context.Context, code domain.RoomCode) (domain.Room, bool, error) {
	var out createRoomResponse
	if err := c.do(ctx, http.MethodPost, "/api/rooms", createRoomRequest{Code: string(code)}, &out); err != nil {
		return domain.Room{}, false, err
	}
	return out.Room, out.Created, nil
}

func (c *Client) LookupRoom(ctx context.Context, code domain.RoomCode) (domain.Room, error) {
	var out domain.Room
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(string(code)), nil, &out)
	return out, err
}

func (c *Client) ListRooms(ctx context.Context) ([]domain.Room, error) {
	var out struct {
		Rooms []domain.Room `json:"rooms"`
	}
	err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &out)
	return out.Rooms, err
}

func (c *Client) DeleteRoom(ctx context.Context, code domain.RoomCode) error {
	return c.do(ctx, http.MethodDelete, "/api/rooms/"+url.PathEscape(string(code)), nil, nil)
}

func (c *Client) InsertSignal(ctx context.Context, sig domain.Signal) (domain.Signal, error) {
	var out domain.Signal
	err := c.do(ctx, http.MethodPost, sessionPath(sig.SessionRecordID, "/signals"), sig, &out)
	return out, err
}

func (c *Client) InsertFragment(ctx context.Context, id domain.SessionRecordID, text string) (domain.Fragment, error) {
	var out domain.Fragment
	err := c.do(ctx, http.MethodPost, sessionPath(id, "/transcripts"), struct {
		Text string `json:"text"`
	}{Text: text}, &out)
	return out, err
}

func (c *Client) ListFragments(ctx context.Context, id domain.SessionRecordID) ([]domain.Fragment, error) {
	var out struct {
		Fragments []domain.Fragment `json:"fragments"`
	}
	err := c.do(ctx, http.MethodGet, sessionPath(id, "/transcripts"), nil, &out)
	return out.Fragments, err
}

func sessionPath(id domain.SessionRecordID, suffix string) string {
	return "/api/sessions/" + url.PathEscape(string(id)) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %w", core.ErrStore, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrStore, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", core.ErrStore, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", core.ErrStore, method, path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var e errorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(b))
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, e.Error)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, e.Error)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrRejected, e.Error)
	default:
		return fmt.Errorf("%w: http %d: %s", core.ErrStore, resp.StatusCode, e.Error)
	}
}
