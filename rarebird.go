// Rarebird
//
// Each player picks a number from 1 to 10 and predicts what percentage of
// the crowd picked the same number. When the round is resolved, rare picks
// score higher and inaccurate crowd predictions are penalized. Highest
// cumulative score after the final round wins.
//
// Features:
// - WebSockets per game ID: /rarebird/:gameid and /rarebird/:gameid/ws
// - Players identified by username; rejoining with the same name within a
//   grace window resumes the same score
// - Four game phases (lobby, round input, round resolution, final standings)
//   driven by admin actions gated behind a shared secret
// - Submission bursts are coalesced into one broadcast per window so a full
//   room doesn't flood every viewer
// - Disconnected players stay on the leaderboard until a periodic sweep
//   evicts them past the grace window
// - Read-only /status and /state endpoints per game for inspection
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type       string   `json:"type"`                 // "join_lobby", "submit_choice", "admin_action"
	Identity   string   `json:"identity,omitempty"`   // join_lobby
	Choice     *float64 `json:"choice,omitempty"`     // submit_choice
	Prediction *float64 `json:"prediction,omitempty"` // submit_choice
	Action     string   `json:"action,omitempty"`     // admin_action
	Secret     string   `json:"secret,omitempty"`     // admin_action
}

// StateMessage is the snapshot broadcast to every connected viewer.
type StateMessage struct {
	Type           string       `json:"type"` // "game_state_update"
	Phase          Phase        `json:"phase"`
	Round          int          `json:"round"`
	Leaderboard    []Standing   `json:"leaderboard"`
	OnlineCount    int          `json:"online_count"`
	SubmittedCount int          `json:"submitted_count"`
	Results        []ResultView `json:"results,omitempty"`
}

// ResultView is a RoundResult trimmed to two decimals for display.
type ResultView struct {
	Identity   string  `json:"identity"`
	Choice     int     `json:"choice"`
	Prediction float64 `json:"prediction"`
	Popularity float64 `json:"popularity"`
	BaseScore  float64 `json:"base_score"`
	Penalty    float64 `json:"penalty"`
	RoundScore float64 `json:"round_score"`
}

// AckMessage confirms a submission to the submitter alone.
type AckMessage struct {
	Type       string  `json:"type"` // "submission_ack"
	Round      int     `json:"round"`
	Choice     int     `json:"choice"`
	Prediction float64 `json:"prediction"`
}

// ErrorMessage is sent to a single client when its request is rejected.
type ErrorMessage struct {
	Type    string `json:"type"` // "error_message"
	Message string `json:"message"`
}

type Client struct {
	conn *websocket.Conn
	send chan any

	closed bool // guarded by the hub mutex
}

type frame struct {
	client *Client
	msg    ClientMessage
}

// Hub owns one game session: the player directory, the phase machine, and
// the broadcast discipline. All mutation funnels through run(), so handlers
// never interleave. The mutex exists for the read-only HTTP endpoints.
type Hub struct {
	id  string
	cfg *Config

	clients   map[*Client]bool
	directory *Directory

	phase        Phase
	currentRound int
	lastResults  []RoundResult

	pending *coalescer

	register chan *Client
	unreg    chan *Client
	frames   chan frame
	done     chan struct{}

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
}

func newHub(cfg *Config, gameID string) *Hub {
	now := time.Now()
	return &Hub{
		id:           gameID,
		cfg:          cfg,
		clients:      make(map[*Client]bool),
		directory:    &Directory{},
		phase:        PhaseLobby,
		currentRound: 1,
		pending:      newCoalescer(cfg.coalesceWindow),
		register:     make(chan *Client),
		unreg:        make(chan *Client),
		frames:       make(chan frame),
		done:         make(chan struct{}),
		createdAt:    now,
		lastActive:   now,
	}
}

func (h *Hub) run() {
	sweep := time.NewTicker(h.cfg.reapInterval)
	defer sweep.Stop()

	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unreg:
			h.handleUnregister(c)

		case f := <-h.frames:
			h.handleFrame(f)

		case <-h.pending.wait():
			h.pending.clear()
			h.mu.Lock()
			h.broadcastStateLocked()
			h.mu.Unlock()

		case now := <-sweep.C:
			h.handleSweep(now)

		case <-h.done:
			return
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.clients[c] = true

	// New viewers get the current snapshot right away, joined or not.
	h.sendLocked(c, h.snapshotLocked())
}

func (h *Hub) handleUnregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	h.dropLocked(c)

	if p := h.directory.MarkOffline(c); p != nil {
		logf(h.cfg, "GAMES: Player %q disconnected from %s", p.Identity, h.id)
		h.broadcastNowLocked()
	}
}

func (h *Hub) handleFrame(f frame) {
	switch f.msg.Type {
	case "join_lobby":
		h.handleJoin(f)
	case "submit_choice":
		h.handleSubmit(f)
	case "admin_action":
		h.handleAdmin(f)
	}
}

func (h *Hub) handleJoin(f frame) {
	c := f.client
	identity := strings.TrimSpace(f.msg.Identity)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if identity == "" || utf8.RuneCountInString(identity) > maxIdentityLen {
		h.sendLocked(c, ErrorMessage{
			Type:    "error_message",
			Message: "username must be 1-20 characters",
		})
		return
	}

	known := h.directory.Len()
	p := h.directory.JoinOrReconnect(identity, c)
	if h.directory.Len() > known {
		logf(h.cfg, "GAMES: Player %q joined %s", p.Identity, h.id)
	} else {
		logf(h.cfg, "GAMES: Player %q reconnected to %s", p.Identity, h.id)
	}

	h.broadcastNowLocked()
}

func (h *Hub) handleSubmit(f frame) {
	c := f.client
	msg := f.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if h.phase != PhaseRoundInput {
		h.sendLocked(c, ErrorMessage{
			Type:    "error_message",
			Message: "submissions are closed (current phase: " + string(h.phase) + ")",
		})
		return
	}

	p := h.directory.FindByConnection(c)
	if p == nil {
		h.sendLocked(c, ErrorMessage{
			Type:    "error_message",
			Message: "join the lobby before submitting",
		})
		return
	}

	if msg.Choice == nil || *msg.Choice < 1 || *msg.Choice > 10 || *msg.Choice != float64(int(*msg.Choice)) {
		h.sendLocked(c, ErrorMessage{
			Type:    "error_message",
			Message: "choice must be a whole number from 1 to 10",
		})
		return
	}
	if msg.Prediction == nil || *msg.Prediction < 0 || *msg.Prediction > 100 {
		h.sendLocked(c, ErrorMessage{
			Type:    "error_message",
			Message: "prediction must be a number from 0 to 100",
		})
		return
	}

	// A later submission in the same round replaces the earlier one.
	p.Submission = &Submission{
		Choice:     int(*msg.Choice),
		Prediction: *msg.Prediction,
	}

	h.sendLocked(c, AckMessage{
		Type:       "submission_ack",
		Round:      h.currentRound,
		Choice:     p.Submission.Choice,
		Prediction: p.Submission.Prediction,
	})

	h.pending.schedule()
}

func (h *Hub) handleAdmin(f frame) {
	c := f.client
	msg := f.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if msg.Secret != h.cfg.adminSecret {
		h.sendLocked(c, ErrorMessage{
			Type:    "error_message",
			Message: errInvalidAdmin.Error(),
		})
		return
	}

	if err := h.applyAdminLocked(msg.Action); err != nil {
		h.sendLocked(c, ErrorMessage{
			Type:    "error_message",
			Message: err.Error(),
		})
		return
	}

	logf(h.cfg, "GAMES: Admin action %q applied to %s (phase now %s, round %d)",
		msg.Action, h.id, h.phase, h.currentRound)

	h.broadcastNowLocked()
}

func (h *Hub) handleSweep(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	purged := h.directory.PurgeStale(now, h.cfg.grace)
	if purged == 0 {
		return
	}

	logf(h.cfg, "GAMES: Evicted %d stale players from %s", purged, h.id)
	h.broadcastNowLocked()
}

// snapshotLocked builds the outward state. Round results ride along only
// once a round has been resolved, and the submitted counter only has
// meaning while inputs are open; both stay empty otherwise to bound
// payload size under load. Assumes h.mu is held.
func (h *Hub) snapshotLocked() StateMessage {
	snap := StateMessage{
		Type:        "game_state_update",
		Phase:       h.phase,
		Round:       h.currentRound,
		Leaderboard: h.directory.Leaderboard(),
		OnlineCount: h.directory.OnlineCount(),
	}

	for i := range snap.Leaderboard {
		snap.Leaderboard[i].Score = round2(snap.Leaderboard[i].Score)
	}

	if h.phase == PhaseRoundInput {
		snap.SubmittedCount = h.directory.SubmittedCount()
	}

	if h.phase == PhaseRoundResolution || h.phase == PhaseFinalStandings {
		snap.Results = make([]ResultView, 0, len(h.lastResults))
		for _, res := range h.lastResults {
			snap.Results = append(snap.Results, ResultView{
				Identity:   res.Identity,
				Choice:     res.Choice,
				Prediction: round2(res.Prediction),
				Popularity: round2(res.Popularity),
				BaseScore:  round2(res.BaseScore),
				Penalty:    round2(res.Penalty),
				RoundScore: round2(res.RoundScore),
			})
		}
	}

	return snap
}

// broadcastNowLocked emits immediately, superseding any pending coalesced
// broadcast so the same state is never announced twice.
func (h *Hub) broadcastNowLocked() {
	h.pending.cancel()
	h.broadcastStateLocked()
}

func (h *Hub) broadcastStateLocked() {
	snap := h.snapshotLocked()
	for client := range h.clients {
		h.sendLocked(client, snap)
	}
}

// sendLocked delivers to one client, dropping the client if its send buffer
// is full. Assumes h.mu is held.
func (h *Hub) sendLocked(c *Client, msg any) {
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.dropLocked(c)
	}
}

// dropLocked removes a client and closes its send channel exactly once,
// even when the drop races a disconnect already in flight on the read pump.
// Assumes h.mu is held.
func (h *Hub) dropLocked(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(h.clients, c)
	close(c.send)
}

// closeAll disconnects all clients of this hub (used by the session reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		h.dropLocked(c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// GameManager holds a set of hubs keyed by game ID, so each /rarebird/:gameid
// is its own isolated session.
type GameManager struct {
	mu   sync.Mutex
	hubs map[string]*Hub
	cfg  *Config
}

func newGameManager(cfg *Config) *GameManager {
	gm := &GameManager{
		hubs: make(map[string]*Hub),
		cfg:  cfg,
	}
	if cfg.sessionTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

func (gm *GameManager) getHub(gameID string) *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub
	}

	hub := newHub(gm.cfg, gameID)
	gm.hubs[gameID] = hub
	go hub.run()
	return hub
}

// lookup returns an existing hub without creating one.
func (gm *GameManager) lookup(gameID string) (*Hub, bool) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	hub, ok := gm.hubs[gameID]
	return hub, ok
}

// newGameID generates a crypto-random game ID and ensures it doesn't
// collide with existing games.
func (gm *GameManager) newGameID() string {
	for {
		id := randomID(8)

		gm.mu.Lock()
		_, exists := gm.hubs[id]
		gm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

func randomID(n int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	const max = byte(255 - (256 % len(letters)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}
}

// reaperLoop periodically removes hubs that have been idle longer than the
// session timeout.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.cfg.sessionTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				close(hub.done)
				go hub.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		hub := gm.getHub(gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "GAMES: Upgrade error from %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		// The hub may be reaped while we block here; selecting on done
		// keeps this goroutine from outliving the run loop.
		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join_lobby", "submit_choice", "admin_action":
			select {
			case h.frames <- frame{client: c, msg: msg}:
			case <-h.done:
				return
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// gameStatus is the lightweight read-only summary for a game.
type gameStatus struct {
	Game       string `json:"game"`
	Phase      Phase  `json:"phase"`
	Round      int    `json:"round"`
	Online     int    `json:"online"`
	Registered int    `json:"registered"`
}

func serveGameStatus(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub, ok := gm.lookup(ps.ByName("gameid"))
		if !ok {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		hub.mu.RLock()
		status := gameStatus{
			Game:       hub.id,
			Phase:      hub.phase,
			Round:      hub.currentRound,
			Online:     hub.directory.OnlineCount(),
			Registered: hub.directory.Len(),
		}
		hub.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		_ = json.NewEncoder(w).Encode(status)
	}
}

// gameDump is the full internal-state dump for operational inspection.
type gameDump struct {
	Game       string        `json:"game"`
	Phase      Phase         `json:"phase"`
	Round      int           `json:"round"`
	CreatedAt  time.Time     `json:"created_at"`
	LastActive time.Time     `json:"last_active"`
	Viewers    int           `json:"viewers"`
	Players    []playerDump  `json:"players"`
	Results    []RoundResult `json:"results,omitempty"`
}

type playerDump struct {
	Identity       string      `json:"identity"`
	Online         bool        `json:"online"`
	DisconnectedAt *time.Time  `json:"disconnected_at,omitempty"`
	Score          float64     `json:"score"`
	Submission     *Submission `json:"submission,omitempty"`
}

func serveGameState(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		hub, ok := gm.lookup(ps.ByName("gameid"))
		if !ok {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		hub.mu.RLock()
		dump := gameDump{
			Game:       hub.id,
			Phase:      hub.phase,
			Round:      hub.currentRound,
			CreatedAt:  hub.createdAt,
			LastActive: hub.lastActive,
			Viewers:    len(hub.clients),
			Players:    make([]playerDump, 0, hub.directory.Len()),
			Results:    hub.lastResults,
		}
		for _, p := range hub.directory.players {
			pd := playerDump{
				Identity:   p.Identity,
				Online:     p.Online,
				Score:      p.Score,
				Submission: p.Submission,
			}
			if !p.DisconnectedAt.IsZero() {
				at := p.DisconnectedAt
				pd.DisconnectedAt = &at
			}
			dump.Players = append(dump.Players, pd)
		}
		hub.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		_ = json.NewEncoder(w).Encode(dump)
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func serveGameQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := gm.newGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, cfg.prefix+path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerRarebirdGame sets up routes so that:
//   - $path                  → redirects to new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
//   - $path/:gameid/status   → read-only summary
//   - $path/:gameid/state    → full state dump
func registerRarebirdGame(cfg *Config, path string, mux *httprouter.Router) {
	gm := newGameManager(cfg)

	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, gm))

	mux.GET(cfg.prefix+path+"/:gameid", serveGameClient(cfg))

	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, gm))

	mux.GET(cfg.prefix+path+"/:gameid/qr", serveGameQR)

	mux.GET(cfg.prefix+path+"/:gameid/status", serveGameStatus(cfg, gm))

	mux.GET(cfg.prefix+path+"/:gameid/state", serveGameState(cfg, gm))
}
