package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/retroboard/retroboard/board"
	"github.com/retroboard/retroboard/protocol"
)

const frameWait = 2 * time.Second

func testConfig() *Config {
	return &Config{
		bind:           "127.0.0.1",
		boardCapacity:  20,
		helloTimeout:   time.Second,
		port:           8080,
		sessionTimeout: time.Minute,
		sweepInterval:  10 * time.Second,
	}
}

func newRelayServer(t *testing.T, cfg *Config) (*httptest.Server, *Registry) {
	t.Helper()

	mux := httprouter.New()
	reg := newRegistry(clockwork.NewRealClock())
	registerBoards(cfg, "/board", mux, reg)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, reg
}

func wsURL(srv *httptest.Server, boardID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/board/" + boardID + "/ws"
}

func dial(t *testing.T, srv *httptest.Server, boardID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, boardID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials, completes the hello exchange, and returns the welcome frame.
func join(t *testing.T, srv *httptest.Server, boardID, clientID string) (*websocket.Conn, protocol.Welcome) {
	t.Helper()

	conn := dial(t, srv, boardID)
	if err := conn.WriteJSON(protocol.Hello{Type: protocol.TypeHello, ClientID: clientID}); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	var welcome protocol.Welcome
	readInto(t, conn, protocol.TypeWelcome, &welcome)
	return conn, welcome
}

// readFrame reads one frame and returns its envelope type plus the raw bytes.
func readFrame(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(frameWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env.Type, raw
}

// readInto skips nothing: the next frame must have the wanted type.
func readInto(t *testing.T, conn *websocket.Conn, wantType string, v any) []byte {
	t.Helper()

	frameType, raw := readFrame(t, conn)
	if frameType != wantType {
		t.Fatalf("expected %s frame, got %s: %s", wantType, frameType, raw)
	}
	// Zero the destination so fields omitted from this frame (omitempty)
	// don't retain values from a previously decoded frame.
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
		rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal %s: %v", wantType, err)
	}
	return raw
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", raw)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(frameWait))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("expected close code %d, got %v", code, err)
	}
}

func TestHandshakeAndJoinNotification(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	connA, welcomeA := join(t, srv, "b1", "a")
	if welcomeA.ParticipantCount != 1 || welcomeA.ReadyCount != 0 {
		t.Errorf("first welcome: %+v", welcomeA)
	}

	_, welcomeB := join(t, srv, "b1", "b")
	if welcomeB.ParticipantCount != 2 {
		t.Errorf("second welcome: %+v", welcomeB)
	}

	// The existing peer learns about the joiner and whom to sync.
	var update protocol.ParticipantsUpdate
	readInto(t, connA, protocol.TypeParticipantsUpdate, &update)
	if update.ParticipantCount != 2 || update.SyncForClientID != "b" {
		t.Errorf("join notification: %+v", update)
	}
}

func TestBoardsAreIsolated(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	connA, _ := join(t, srv, "b1", "a")
	_, welcome := join(t, srv, "b2", "a")

	// Same identity, different board: no conflict, independent counts.
	if welcome.ParticipantCount != 1 {
		t.Errorf("second board saw foreign sessions: %+v", welcome)
	}
	expectNoFrame(t, connA)
}

func TestCapacityRejectedBeforeHello(t *testing.T) {
	cfg := testConfig()
	cfg.boardCapacity = 1
	srv, _ := newRelayServer(t, cfg)

	_, _ = join(t, srv, "b1", "a")

	// The second connection never sends a hello; rejection must not wait
	// for one.
	conn := dial(t, srv, "b1")
	var frame protocol.ErrorFrame
	readInto(t, conn, protocol.TypeError, &frame)
	if frame.Code != protocol.CodeBoardFull {
		t.Errorf("expected %s, got %+v", protocol.CodeBoardFull, frame)
	}
	expectClose(t, conn, protocol.ClosePolicyViolation)
}

func TestDuplicateIdentityRejected(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	connA, _ := join(t, srv, "b1", "x")

	dup := dial(t, srv, "b1")
	if err := dup.WriteJSON(protocol.Hello{Type: protocol.TypeHello, ClientID: "x"}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	var frame protocol.ErrorFrame
	readInto(t, dup, protocol.TypeError, &frame)
	if frame.Code != protocol.CodeDuplicateIdentity {
		t.Errorf("expected %s, got %+v", protocol.CodeDuplicateIdentity, frame)
	}
	expectClose(t, dup, protocol.ClosePolicyViolation)

	// The original session must survive the rejected duplicate.
	if err := connA.WriteJSON(protocol.Ping{Type: protocol.TypePing}); err != nil {
		t.Fatalf("ping after duplicate rejection: %v", err)
	}
	var pong protocol.Pong
	readInto(t, connA, protocol.TypePong, &pong)
}

func TestHelloTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.helloTimeout = 100 * time.Millisecond
	srv, _ := newRelayServer(t, cfg)

	conn := dial(t, srv, "b1")
	expectClose(t, conn, protocol.CloseProtocolError)
}

func TestNonHelloFirstFrameRejected(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	conn := dial(t, srv, "b1")
	if err := conn.WriteJSON(protocol.Ping{Type: protocol.TypePing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	expectClose(t, conn, protocol.CloseProtocolError)
}

func TestCardOpFanoutTagsSenderAndSkipsOrigin(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	connA, _ := join(t, srv, "b1", "a")
	connB, _ := join(t, srv, "b1", "b")
	var update protocol.ParticipantsUpdate
	readInto(t, connA, protocol.TypeParticipantsUpdate, &update)

	op := protocol.CardOp{
		Type: protocol.TypeCardOp,
		CardOp: board.CardOp{
			OpID:     "op-1",
			Phase:    board.PhaseForming,
			Action:   board.CardCreate,
			CardID:   "c1",
			Rev:      1,
			AuthorID: "a",
			Column:   board.ColumnWell,
			Text:     "shipped on time",
		},
	}
	if err := connA.WriteJSON(op); err != nil {
		t.Fatalf("send cardOp: %v", err)
	}

	var got protocol.CardOp
	readInto(t, connB, protocol.TypeCardOp, &got)
	if got.SenderID != "a" {
		t.Errorf("frame not tagged with sender: %+v", got)
	}
	if got.OpID != "op-1" || got.Text != "shipped on time" {
		t.Errorf("payload altered in transit: %+v", got)
	}

	// The sender never hears its own op back.
	expectNoFrame(t, connA)
}

func TestSyncStateRoutedToTarget(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	connA, _ := join(t, srv, "b1", "a")
	connB, _ := join(t, srv, "b1", "b")
	var update protocol.ParticipantsUpdate
	readInto(t, connA, protocol.TypeParticipantsUpdate, &update)

	connC, _ := join(t, srv, "b1", "c")
	readInto(t, connA, protocol.TypeParticipantsUpdate, &update)
	readInto(t, connB, protocol.TypeParticipantsUpdate, &update)

	st := board.NewState()
	st.Cards["c1"] = board.Card{ID: "c1", Column: board.ColumnWell, Text: "hello", AuthorID: "a", Rev: 1}
	if err := connA.WriteJSON(protocol.Snapshot(st, "c")); err != nil {
		t.Fatalf("send syncState: %v", err)
	}

	var snap protocol.SyncState
	readInto(t, connC, protocol.TypeSyncState, &snap)
	if snap.SenderID != "a" || snap.TargetClientID != "c" {
		t.Errorf("snapshot routing fields: %+v", snap)
	}
	if len(snap.Cards) != 1 {
		t.Errorf("snapshot payload: %+v", snap.Cards)
	}

	// The bystander must not see a targeted snapshot.
	expectNoFrame(t, connB)
}

func TestUntargetedSyncStateFansOut(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	connA, _ := join(t, srv, "b1", "a")
	connB, _ := join(t, srv, "b1", "b")
	var update protocol.ParticipantsUpdate
	readInto(t, connA, protocol.TypeParticipantsUpdate, &update)

	if err := connB.WriteJSON(protocol.Snapshot(board.NewState(), "")); err != nil {
		t.Fatalf("send syncState: %v", err)
	}

	var snap protocol.SyncState
	readInto(t, connA, protocol.TypeSyncState, &snap)
	if snap.SenderID != "b" {
		t.Errorf("fanout snapshot not tagged: %+v", snap)
	}
}

func TestSetReadyBroadcastsCounts(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	connA, _ := join(t, srv, "b1", "a")
	connB, _ := join(t, srv, "b1", "b")
	var update protocol.ParticipantsUpdate
	readInto(t, connA, protocol.TypeParticipantsUpdate, &update)

	if err := connB.WriteJSON(protocol.SetReady{Type: protocol.TypeSetReady, IsReady: true}); err != nil {
		t.Fatalf("send setReady: %v", err)
	}

	// Readiness changes go to everyone, the toggling client included.
	for _, conn := range []*websocket.Conn{connA, connB} {
		readInto(t, conn, protocol.TypeParticipantsUpdate, &update)
		if update.ParticipantCount != 2 || update.ReadyCount != 1 || update.SyncForClientID != "" {
			t.Errorf("readiness update: %+v", update)
		}
	}
}

func TestDepartureBroadcastsCounts(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	connA, _ := join(t, srv, "b1", "a")
	connB, _ := join(t, srv, "b1", "b")
	var update protocol.ParticipantsUpdate
	readInto(t, connA, protocol.TypeParticipantsUpdate, &update)

	msg := websocket.FormatCloseMessage(protocol.CloseNormal, "")
	_ = connB.WriteControl(websocket.CloseMessage, msg, time.Now().Add(frameWait))
	_ = connB.Close()

	readInto(t, connA, protocol.TypeParticipantsUpdate, &update)
	if update.ParticipantCount != 1 || update.SyncForClientID != "" {
		t.Errorf("departure update: %+v", update)
	}
}

func TestClosedHubRefusesSessions(t *testing.T) {
	reg := newRegistry(clockwork.NewRealClock())
	hub := reg.hub("b1")

	first := &Session{clientID: "a"}
	if code := hub.add(first, 20); code != "" {
		t.Fatalf("add: %q", code)
	}
	hub.remove(first)
	reg.dropIfEmpty(hub)

	if code := hub.add(&Session{clientID: "b"}, 20); code != hubClosed {
		t.Fatalf("reaped hub accepted a session: %q", code)
	}
	if reg.hub("b1") == hub {
		t.Error("registry handed back the reaped hub")
	}
}

func TestJoinInFlightSurvivesBoardDrop(t *testing.T) {
	cfg := testConfig()
	cfg.helloTimeout = 5 * time.Second
	srv, reg := newRelayServer(t, cfg)

	connA, _ := join(t, srv, "b1", "a")

	// B is connected but has not sent its hello yet.
	connB := dial(t, srv, "b1")
	time.Sleep(50 * time.Millisecond)

	// The only member leaves while B's handshake is pending; the empty
	// board is reaped.
	msg := websocket.FormatCloseMessage(protocol.CloseNormal, "")
	_ = connA.WriteControl(websocket.CloseMessage, msg, time.Now().Add(frameWait))
	_ = connA.Close()

	deadline := time.Now().Add(frameWait)
	for reg.exists("b1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.exists("b1") {
		t.Fatal("board entry not reaped after last member left")
	}

	// B completes the handshake; it must land on the live board, not the
	// reaped one.
	if err := connB.WriteJSON(protocol.Hello{Type: protocol.TypeHello, ClientID: "b"}); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	var welcome protocol.Welcome
	readInto(t, connB, protocol.TypeWelcome, &welcome)
	if welcome.ParticipantCount != 1 {
		t.Fatalf("welcome after reap: %+v", welcome)
	}

	// A later joiner to the same board ID must see B.
	connC, welcomeC := join(t, srv, "b1", "c")
	if welcomeC.ParticipantCount != 2 {
		t.Fatalf("joiner landed on a different hub: %+v", welcomeC)
	}
	var update protocol.ParticipantsUpdate
	readInto(t, connB, protocol.TypeParticipantsUpdate, &update)
	if update.SyncForClientID != "c" {
		t.Errorf("join notification: %+v", update)
	}

	// Frames must flow between the two.
	op := protocol.CardOp{
		Type: protocol.TypeCardOp,
		CardOp: board.CardOp{
			OpID:     "op-1",
			Phase:    board.PhaseForming,
			Action:   board.CardCreate,
			CardID:   "c1",
			Rev:      1,
			AuthorID: "b",
			Column:   board.ColumnWell,
			Text:     "still here",
		},
	}
	if err := connB.WriteJSON(op); err != nil {
		t.Fatalf("send cardOp: %v", err)
	}
	var got protocol.CardOp
	readInto(t, connC, protocol.TypeCardOp, &got)
	if got.SenderID != "b" {
		t.Errorf("fanout across reap boundary: %+v", got)
	}
}

func TestIdleSessionClosed(t *testing.T) {
	cfg := testConfig()
	cfg.sessionTimeout = 150 * time.Millisecond
	cfg.sweepInterval = 25 * time.Millisecond
	srv, _ := newRelayServer(t, cfg)

	conn, _ := join(t, srv, "b1", "a")
	expectClose(t, conn, protocol.CloseNormal)
}

func TestActivityDefersIdleClose(t *testing.T) {
	cfg := testConfig()
	cfg.sessionTimeout = 300 * time.Millisecond
	cfg.sweepInterval = 25 * time.Millisecond
	srv, _ := newRelayServer(t, cfg)

	conn, _ := join(t, srv, "b1", "a")

	// Keep pinging for longer than the timeout; the session must stay up.
	deadline := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := conn.WriteJSON(protocol.Ping{Type: protocol.TypePing}); err != nil {
			t.Fatalf("ping during activity window: %v", err)
		}
		var pong protocol.Pong
		readInto(t, conn, protocol.TypePong, &pong)
		time.Sleep(50 * time.Millisecond)
	}
}

func TestUnknownFramesAreDropped(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	conn, _ := join(t, srv, "b1", "a")
	if err := conn.WriteJSON(map[string]string{"type": "gossip"}); err != nil {
		t.Fatalf("send unknown frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{{not json")); err != nil {
		t.Fatalf("send malformed frame: %v", err)
	}

	// The session survives both.
	if err := conn.WriteJSON(protocol.Ping{Type: protocol.TypePing}); err != nil {
		t.Fatalf("ping after junk: %v", err)
	}
	var pong protocol.Pong
	readInto(t, conn, protocol.TypePong, &pong)
}

func TestNewBoardRedirect(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(srv.URL + "/board")
	if err != nil {
		t.Fatalf("GET /board: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "/board/") || len(strings.TrimPrefix(loc, "/board/")) != 8 {
		t.Errorf("unexpected redirect target: %q", loc)
	}
}

func TestBoardQRCode(t *testing.T) {
	srv, _ := newRelayServer(t, testConfig())

	resp, err := http.Get(srv.URL + "/board/abc12345/qr")
	if err != nil {
		t.Fatalf("GET qr: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %q", ct)
	}
}
