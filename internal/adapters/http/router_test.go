package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/callscribe/internal/adapters/ws"
	"github.com/dkeye/callscribe/internal/config"
	"github.com/dkeye/callscribe/internal/domain"
	"github.com/dkeye/callscribe/internal/store/memory"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Mode:       "test",
		Secret:     "test-secret",
		ReadLimit:  32768,
		PingPeriod: time.Minute,
		Store: config.StoreConfig{
			SubscriberBuffer:   16,
			SignalRateLimit:    3,
			SignalRateInterval: time.Minute,
		},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := memory.New(memory.Options{})
	srv := httptest.NewServer(SetupRouter(ctx, testConfig(), store))
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func createRoom(t *testing.T, base, code string) domain.Room {
	t.Helper()
	var out CreateRoomResponse
	if status := do(t, http.MethodPost, base+"/api/rooms", CreateRoomRequest{Code: code}, &out); status/100 != 2 {
		t.Fatalf("create room status = %d", status)
	}
	return out.Room
}

func offer(from domain.PeerID) domain.Signal {
	return domain.Signal{
		SenderPeerID: from,
		Kind:         domain.SignalOffer,
		Payload:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	var out HealthResponse
	if status := do(t, http.MethodGet, srv.URL+"/healthz", nil, &out); status != http.StatusOK || out.Status != "ok" {
		t.Fatalf("healthz = %d %+v", status, out)
	}
}

func TestRoomLifecycle(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	var first CreateRoomResponse
	if status := do(t, http.MethodPost, srv.URL+"/api/rooms", CreateRoomRequest{Code: "standup"}, &first); status != http.StatusCreated {
		t.Fatalf("first create status = %d", status)
	}
	if !first.Created || first.Room.Code != "STANDUP" {
		t.Fatalf("first create = %+v", first)
	}

	var second CreateRoomResponse
	if status := do(t, http.MethodPost, srv.URL+"/api/rooms", CreateRoomRequest{Code: "STANDUP"}, &second); status != http.StatusOK {
		t.Fatalf("second create status = %d", status)
	}
	if second.Created || second.Room.RecordID != first.Room.RecordID {
		t.Fatalf("second create = %+v", second)
	}

	var generated CreateRoomResponse
	if status := do(t, http.MethodPost, srv.URL+"/api/rooms", struct{}{}, &generated); status != http.StatusCreated {
		t.Fatalf("generated create status = %d", status)
	}
	if len(generated.Room.Code) != domain.RoomCodeLen {
		t.Fatalf("generated code = %q", generated.Room.Code)
	}

	if status := do(t, http.MethodPost, srv.URL+"/api/rooms", CreateRoomRequest{Code: "no-dashes"}, nil); status != http.StatusBadRequest {
		t.Fatalf("invalid code status = %d", status)
	}

	var listed struct {
		Rooms []domain.Room `json:"rooms"`
	}
	do(t, http.MethodGet, srv.URL+"/api/rooms", nil, &listed)
	if len(listed.Rooms) != 2 {
		t.Fatalf("rooms = %+v", listed.Rooms)
	}

	var got domain.Room
	if status := do(t, http.MethodGet, srv.URL+"/api/rooms/standup", nil, &got); status != http.StatusOK || got.RecordID != first.Room.RecordID {
		t.Fatalf("lookup = %d %+v", status, got)
	}
	if status := do(t, http.MethodDelete, srv.URL+"/api/rooms/STANDUP", nil, nil); status != http.StatusNoContent {
		t.Fatalf("delete status = %d", status)
	}
	if status := do(t, http.MethodGet, srv.URL+"/api/rooms/STANDUP", nil, nil); status != http.StatusNotFound {
		t.Fatalf("lookup after delete status = %d", status)
	}
}

func TestPostSignal(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	room := createRoom(t, srv.URL, "SIG")
	url := srv.URL + "/api/sessions/" + string(room.RecordID) + "/signals"

	var stored domain.Signal
	if status := do(t, http.MethodPost, url, offer("peer-a"), &stored); status != http.StatusCreated {
		t.Fatalf("status = %d", status)
	}
	if stored.SessionRecordID != room.RecordID || stored.Seq == 0 || stored.InsertedAt.IsZero() {
		t.Fatalf("stored = %+v", stored)
	}

	bad := offer("peer-a")
	bad.Kind = "renegotiate"
	if status := do(t, http.MethodPost, url, bad, nil); status != http.StatusBadRequest {
		t.Fatalf("bad kind status = %d", status)
	}
	if status := do(t, http.MethodPost, srv.URL+"/api/sessions/nope/signals", offer("peer-a"), nil); status != http.StatusNotFound {
		t.Fatalf("unknown session status = %d", status)
	}
}

func TestPostSignalRateLimitedPerSender(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	room := createRoom(t, srv.URL, "BURST")
	url := srv.URL + "/api/sessions/" + string(room.RecordID) + "/signals"

	for i := range 3 {
		if status := do(t, http.MethodPost, url, offer("chatty"), nil); status != http.StatusCreated {
			t.Fatalf("signal %d status = %d", i, status)
		}
	}
	if status := do(t, http.MethodPost, url, offer("chatty"), nil); status != http.StatusTooManyRequests {
		t.Fatalf("over limit status = %d", status)
	}
	if status := do(t, http.MethodPost, url, offer("quiet"), nil); status != http.StatusCreated {
		t.Fatalf("other sender status = %d", status)
	}
	bye := domain.Signal{SenderPeerID: "chatty", Kind: domain.SignalBye, Payload: json.RawMessage(`{}`)}
	if status := do(t, http.MethodPost, url, bye, nil); status != http.StatusCreated {
		t.Fatalf("bye over limit status = %d", status)
	}
}

func TestFragments(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	room := createRoom(t, srv.URL, "TALK")
	url := srv.URL + "/api/sessions/" + string(room.RecordID) + "/transcripts"

	var f domain.Fragment
	if status := do(t, http.MethodPost, url, FragmentRequest{Text: "  sahbi "}, &f); status != http.StatusCreated || f.Text != "sahbi" {
		t.Fatalf("insert = %d %+v", status, f)
	}
	if status := do(t, http.MethodPost, url, FragmentRequest{Text: " "}, nil); status != http.StatusBadRequest {
		t.Fatalf("empty fragment status = %d", status)
	}

	var listed struct {
		Fragments []domain.Fragment `json:"fragments"`
	}
	if status := do(t, http.MethodGet, url, nil, &listed); status != http.StatusOK || len(listed.Fragments) != 1 {
		t.Fatalf("list = %d %+v", status, listed)
	}
}

func wsURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

func readEnvelope(t *testing.T, c *websocket.Conn) ws.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env ws.Envelope
	if err := c.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestSignalSubscription(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	room := createRoom(t, srv.URL, "WIRE")

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/api/sessions/"+string(room.RecordID)+"/signals/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if env := readEnvelope(t, c); env.Type != ws.TypeReady {
		t.Fatalf("first envelope = %+v", env)
	}

	sig := offer("peer-a")
	sig.SessionRecordID = room.RecordID
	if _, err := store.InsertSignal(context.Background(), sig); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, c)
	if env.Type != ws.TypeSignal || env.Signal == nil || env.Signal.SenderPeerID != "peer-a" {
		t.Fatalf("signal envelope = %+v", env)
	}

	if err := c.WriteJSON(ws.Envelope{Type: ws.TypePing}); err != nil {
		t.Fatal(err)
	}
	if env := readEnvelope(t, c); env.Type != ws.TypePong {
		t.Fatalf("ping reply = %+v", env)
	}
}

func TestFragmentSubscriptionReplaysHistory(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	room := createRoom(t, srv.URL, "HIST")
	if _, err := store.InsertFragment(context.Background(), room.RecordID, "earlier"); err != nil {
		t.Fatal(err)
	}

	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/api/sessions/"+string(room.RecordID)+"/transcripts/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var texts []string
	for len(texts) == 0 {
		env := readEnvelope(t, c)
		if env.Type == ws.TypeFragment {
			texts = append(texts, env.Fragment.Text)
		}
	}
	if texts[0] != "earlier" {
		t.Fatalf("replayed = %v", texts)
	}
}

func TestSubscriptionUnknownSession(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/api/sessions/missing/signals/ws"), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("err = %v, want bad handshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(2, 10*time.Second)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two attempts refused")
	}
	if rl.Allow("a") {
		t.Fatal("third attempt allowed")
	}
	now = now.Add(11 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("attempt after window refused")
	}
	now = now.Add(time.Minute)
	rl.Forget()
	if len(rl.history) != 0 {
		t.Fatalf("history = %v", rl.history)
	}
	if !NewRateLimiter(0, time.Second).Allow("anyone") {
		t.Fatal("disabled limiter refused")
	}
}
