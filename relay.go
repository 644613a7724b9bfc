// Retroboard relay
//
// The relay is a stateless-per-restart message router. It holds no board
// content: cards and votes live in each client's local storage and converge
// through the merge rules in the board package. Per board, the relay tracks
// only session facts:
//
// - WebSockets per board ID: /board/:boardid and /board/:boardid/ws
// - A bounded number of sessions per board (default 20), checked before the
//   hello exchange
// - At most one live session per client identity per board; a client-side
//   Web Lock check is advisory only, the relay is the authoritative fallback
// - Readiness flags, re-broadcast as participantsUpdate frames
// - Per-connection inactivity supervision with a periodic sweep
// - cardOp/vote/phaseChanged fanout, unmodified apart from a senderId tag
// - syncState routing to a specific joiner, or fanout when untargeted
// - In-browser QR button to share the current board, backed by go-qrcode
//
// Phase is pure payload here: the forming→reviewing decision belongs to the
// clients, and the relay never inspects or enforces it.

package main

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/retroboard/retroboard/protocol"
)

// writeWait bounds every peer write so one slow or dead socket cannot stall
// a fanout; a failed write is swallowed and the peer is left to its own
// inactivity reaper.
const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session is the relay's entire knowledge of one connected client. Created
// on a successful hello, destroyed on disconnect, never persisted. Only
// isReady and lastActivity are mutated after registration; both are guarded
// because the read loop and the inactivity supervisor share the record.
type Session struct {
	clientID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	isReady      bool
	lastActivity time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) idle(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

func (s *Session) setReady(ready bool) {
	s.mu.Lock()
	s.isReady = ready
	s.mu.Unlock()
}

func (s *Session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isReady
}

func (s *Session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *Session) writeRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// hubClosed is returned by Hub.add once the hub has been dropped from the
// registry; the caller must re-resolve the board ID. Never sent on the wire.
const hubClosed = "hub_closed"

// Hub is one board's live sessions, keyed by client identity.
type Hub struct {
	id string

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func newHub(boardID string) *Hub {
	return &Hub{
		id:       boardID,
		sessions: make(map[string]*Session),
	}
}

func (h *Hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// counts returns the participant and ready counts in one pass.
func (h *Hub) counts() (participants, ready int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.sessions {
		participants++
		if s.ready() {
			ready++
		}
	}
	return participants, ready
}

// add registers a session, enforcing capacity and identity uniqueness under
// one lock so two racing joiners cannot both slip in. A closed hub accepts
// nobody: it was reaped from the registry, and registering into it would
// strand the session on a board no later joiner can reach.
func (h *Hub) add(s *Session, capacity int) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return hubClosed
	}
	if len(h.sessions) >= capacity {
		return protocol.CodeBoardFull
	}
	if _, exists := h.sessions[s.clientID]; exists {
		return protocol.CodeDuplicateIdentity
	}
	h.sessions[s.clientID] = s
	return ""
}

// remove drops the session only if it is still the registered one for this
// identity, so tearing down a rejected duplicate never evicts the original.
func (h *Hub) remove(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.sessions[s.clientID]; ok && cur == s {
		delete(h.sessions, s.clientID)
		return true
	}
	return false
}

func (h *Hub) get(clientID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[clientID]
}

func (h *Hub) peers(except string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id == except {
			continue
		}
		out = append(out, s)
	}
	return out
}

// broadcastRaw fans data out to every session except the named one. Writes
// run concurrently and the call returns once all of them finish; failures
// are logged and otherwise ignored.
func (h *Hub) broadcastRaw(except string, data []byte) {
	var wg sync.WaitGroup
	for _, peer := range h.peers(except) {
		wg.Add(1)
		go func(p *Session) {
			defer wg.Done()
			if err := p.writeRaw(data); err != nil {
				log.Debug().Err(err).Str("board", h.id).Str("client_id", p.clientID).Msg("dropped frame to peer")
			}
		}(peer)
	}
	wg.Wait()
}

func (h *Hub) broadcast(except string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("board", h.id).Msg("marshal broadcast frame")
		return
	}
	h.broadcastRaw(except, data)
}

// participantsUpdate broadcasts current counts. syncFor names a fresh joiner
// so existing peers know whom to target a syncState at; it is empty for
// readiness changes and departures. The joiner itself learns counts from its
// welcome frame, never from its own echoed update.
func (h *Hub) participantsUpdate(except, syncFor string) {
	participants, ready := h.counts()
	h.broadcast(except, protocol.ParticipantsUpdate{
		Type:             protocol.TypeParticipantsUpdate,
		ParticipantCount: participants,
		ReadyCount:       ready,
		SyncForClientID:  syncFor,
	})
}

// Registry owns every live board. Boards are created on first connection
// and dropped as soon as their last session leaves; there is no ambient
// global state beyond this object.
type Registry struct {
	clock clockwork.Clock

	mu     sync.Mutex
	boards map[string]*Hub
}

func newRegistry(clock clockwork.Clock) *Registry {
	return &Registry{
		clock:  clock,
		boards: make(map[string]*Hub),
	}
}

func (r *Registry) hub(boardID string) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.boards[boardID]; ok {
		return h
	}
	h := newHub(boardID)
	r.boards[boardID] = h
	return h
}

// dropIfEmpty reaps the board once its last session leaves. The emptiness
// check and the closed flag flip happen under the hub lock, so a joiner
// racing through Hub.add either lands before the reap or sees a closed hub
// and re-resolves the board.
func (r *Registry) dropIfEmpty(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.boards[h.id]; !ok || cur != h {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) == 0 {
		h.closed = true
		delete(r.boards, h.id)
		log.Debug().Str("board", h.id).Msg("board registry entry dropped")
	}
}

func (r *Registry) exists(boardID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.boards[boardID]
	return ok
}

// newBoardID generates a crypto-random board ID and ensures it doesn't
// collide with a live board.
func (r *Registry) newBoardID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if !r.exists(id) {
			return id
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

func rejectSession(s *Session, code string, closeCode int, reason string) {
	_ = s.write(protocol.ErrorFrame{
		Type:    protocol.TypeError,
		Code:    code,
		Message: reason,
	})
	closeWith(s.conn, closeCode, reason)
}

// serveBoardSocket upgrades the connection and walks it through the relay's
// session state machine: connected → awaiting-hello → (rejected | joined) →
// closed.
func serveBoardSocket(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		boardID := ps.ByName("boardid")
		if boardID == "" {
			http.Error(w, "missing board id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("board", boardID).Msg("websocket upgrade failed")
			return
		}

		hub := reg.hub(boardID)
		sess := &Session{conn: conn, lastActivity: reg.clock.Now()}

		// Capacity is enforced before a hello is even consumed, so a full
		// board costs a rejected joiner nothing but the dial.
		if hub.size() >= cfg.boardCapacity {
			rejectSession(sess, protocol.CodeBoardFull, protocol.ClosePolicyViolation, "board is full")
			reg.dropIfEmpty(hub)
			return
		}

		hello, err := awaitHello(conn, cfg.helloTimeout)
		if err != nil {
			log.Debug().Err(err).Str("board", boardID).Str("remote", realIP(r)).Msg("handshake failed")
			closeWith(conn, protocol.CloseProtocolError, "expected hello")
			reg.dropIfEmpty(hub)
			return
		}
		sess.clientID = hello.ClientID

		// The board may have been reaped while the hello was pending; a
		// closed hub rejects the add, so re-resolve until a live hub takes
		// the session.
		code := hub.add(sess, cfg.boardCapacity)
		for code == hubClosed {
			hub = reg.hub(boardID)
			code = hub.add(sess, cfg.boardCapacity)
		}

		switch code {
		case protocol.CodeBoardFull:
			rejectSession(sess, protocol.CodeBoardFull, protocol.ClosePolicyViolation, "board is full")
			reg.dropIfEmpty(hub)
			return
		case protocol.CodeDuplicateIdentity:
			rejectSession(sess, protocol.CodeDuplicateIdentity, protocol.ClosePolicyViolation,
				"client "+sess.clientID+" already has a live session on this board")
			return
		}

		participants, ready := hub.counts()
		if err := sess.write(protocol.Welcome{
			Type:             protocol.TypeWelcome,
			ParticipantCount: participants,
			ReadyCount:       ready,
		}); err != nil {
			hub.remove(sess)
			_ = conn.Close()
			reg.dropIfEmpty(hub)
			return
		}
		hub.participantsUpdate(sess.clientID, sess.clientID)

		log.Info().Str("board", boardID).Str("client_id", sess.clientID).Int("participants", participants).Msg("session joined")

		stop := make(chan struct{})
		go superviseIdle(cfg, reg.clock, hub, sess, stop)

		readLoop(reg.clock, hub, sess)
		close(stop)

		if hub.remove(sess) {
			hub.participantsUpdate("", "")
		}
		_ = conn.Close()
		reg.dropIfEmpty(hub)

		log.Info().Str("board", boardID).Str("client_id", sess.clientID).Msg("session closed")
	}
}

// awaitHello reads exactly one frame under a deadline and requires it to be
// a well-formed hello.
func awaitHello(conn *websocket.Conn, timeout time.Duration) (*protocol.Hello, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var hello protocol.Hello
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, err
	}
	if hello.Type != protocol.TypeHello || hello.ClientID == "" {
		return nil, errBadHello
	}
	return &hello, nil
}

// superviseIdle closes the session's socket once it has gone quiet for
// longer than the configured timeout. Closing the socket is enough: the
// read loop fails and the normal teardown path runs.
func superviseIdle(cfg *Config, clock clockwork.Clock, hub *Hub, sess *Session, stop <-chan struct{}) {
	ticker := clock.NewTicker(cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if sess.idle(clock.Now()) > cfg.sessionTimeout {
				log.Debug().Str("board", hub.id).Str("client_id", sess.clientID).Msg("closing idle session")
				closeWith(sess.conn, protocol.CloseNormal, "idle timeout")
				return
			}
		}
	}
}

// readLoop dispatches frames until the connection dies. A malformed frame
// is dropped, never fatal to the board or to other sessions; reliability for
// operations is pushed to the edges via opId idempotency, so nothing here is
// retried.
func readLoop(clock clockwork.Clock, hub *Hub, sess *Session) {
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.touch(clock.Now())

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Debug().Err(err).Str("board", hub.id).Str("client_id", sess.clientID).Msg("dropping malformed frame")
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			if err := sess.write(protocol.Pong{Type: protocol.TypePong}); err != nil {
				return
			}

		case protocol.TypeSetReady:
			sess.setReady(env.IsReady)
			hub.participantsUpdate("", "")

		case protocol.TypeSyncState:
			tagged, err := protocol.TagSender(raw, sess.clientID)
			if err != nil {
				log.Debug().Err(err).Str("board", hub.id).Msg("dropping untaggable syncState")
				continue
			}
			if env.TargetClientID != "" {
				if target := hub.get(env.TargetClientID); target != nil {
					if err := target.writeRaw(tagged); err != nil {
						log.Debug().Err(err).Str("board", hub.id).Str("client_id", target.clientID).Msg("dropped syncState to target")
					}
				}
				continue
			}
			hub.broadcastRaw(sess.clientID, tagged)

		case protocol.TypeCardOp, protocol.TypeVote, protocol.TypePhaseChanged:
			tagged, err := protocol.TagSender(raw, sess.clientID)
			if err != nil {
				log.Debug().Err(err).Str("board", hub.id).Msg("dropping untaggable frame")
				continue
			}
			hub.broadcastRaw(sess.clientID, tagged)

		default:
			log.Debug().Str("board", hub.id).Str("client_id", sess.clientID).Str("frame", env.Type).Msg("dropping unknown frame type")
		}
	}
}

// qrHandler generates a PNG QR code for the current board URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	boardID := ps.ByName("boardid")
	if boardID == "" {
		http.Error(w, "missing board id", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// redirectNewBoard handles GET /board by generating a new random board ID
// (with server-side collision detection) and redirecting to /board/:boardid.
func redirectNewBoard(path string, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		boardID := reg.newBoardID()
		log.Info().Str("board", boardID).Msg("created board")
		http.Redirect(w, r, path+"/"+boardID, http.StatusTemporaryRedirect)
	}
}

// registerBoards sets up routes so that:
//   - $path                  → redirects to a new random board (8-char ID)
//   - $path/:boardid         → HTML shell
//   - $path/:boardid/ws      → WebSocket for that board
//   - $path/:boardid/qr      → PNG QR code for that board URL
func registerBoards(cfg *Config, path string, mux *httprouter.Router, reg *Registry) {
	mux.GET(cfg.prefix+path, redirectNewBoard(cfg.prefix+path, reg))

	mux.GET(cfg.prefix+path+"/:boardid", serveBoardPage(cfg))

	mux.GET(cfg.prefix+path+"/:boardid/ws", serveBoardSocket(cfg, reg))

	mux.GET(cfg.prefix+path+"/:boardid/qr", qrHandler)
}
