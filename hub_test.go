package main

import (
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

func testConfig() *Config {
	return &Config{
		adminSecret:    "hunter2",
		coalesceWindow: 60 * time.Millisecond,
		grace:          10 * time.Minute,
		reapInterval:   time.Minute,
		rounds:         3,
	}
}

func testClient() *Client {
	return &Client{send: make(chan any, 64)}
}

func joinFrame(c *Client, identity string) frame {
	return frame{client: c, msg: ClientMessage{Type: "join_lobby", Identity: identity}}
}

func submitFrame(c *Client, choice, prediction float64) frame {
	return frame{client: c, msg: ClientMessage{
		Type:       "submit_choice",
		Choice:     &choice,
		Prediction: &prediction,
	}}
}

func adminFrame(c *Client, action, secret string) frame {
	return frame{client: c, msg: ClientMessage{Type: "admin_action", Action: action, Secret: secret}}
}

func nextMessage(t *testing.T, c *Client) any {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func expectState(t *testing.T, c *Client) StateMessage {
	t.Helper()
	msg := nextMessage(t, c)
	state, ok := msg.(StateMessage)
	if !ok {
		t.Fatalf("got %T (%v), want StateMessage", msg, msg)
	}
	return state
}

func expectError(t *testing.T, c *Client, contains string) {
	t.Helper()
	msg := nextMessage(t, c)
	em, ok := msg.(ErrorMessage)
	if !ok {
		t.Fatalf("got %T (%v), want ErrorMessage", msg, msg)
	}
	if !strings.Contains(em.Message, contains) {
		t.Errorf("error %q does not mention %q", em.Message, contains)
	}
}

func drainClient(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// apply runs an admin action with the right secret, discarding the ack
// broadcast. Fails the test if the action is rejected.
func apply(t *testing.T, h *Hub, action string) {
	t.Helper()
	c := testClient()
	h.handleFrame(adminFrame(c, action, h.cfg.adminSecret))
	select {
	case msg := <-c.send:
		if em, ok := msg.(ErrorMessage); ok {
			t.Fatalf("admin action %q rejected: %s", action, em.Message)
		}
	default:
	}
}

func TestHub_RegisterSendsSnapshot(t *testing.T) {
	h := newHub(testConfig(), "test")
	c := testClient()

	h.handleRegister(c)

	state := expectState(t, c)
	if state.Phase != PhaseLobby {
		t.Errorf("phase %s, want lobby", state.Phase)
	}
	if state.Round != 1 {
		t.Errorf("round %d, want 1", state.Round)
	}
	if state.Type != "game_state_update" {
		t.Errorf("type %q, want game_state_update", state.Type)
	}
}

func TestHub_JoinValidation(t *testing.T) {
	h := newHub(testConfig(), "test")
	c := testClient()

	h.handleFrame(joinFrame(c, "   "))
	expectError(t, c, "username")

	h.handleFrame(joinFrame(c, strings.Repeat("x", 21)))
	expectError(t, c, "username")

	h.handleFrame(joinFrame(c, strings.Repeat("ü", 21)))
	expectError(t, c, "username")

	if h.directory.Len() != 0 {
		t.Errorf("directory has %d players after rejected joins, want 0", h.directory.Len())
	}

	// Length limit counts characters, not bytes.
	h.handleFrame(joinFrame(c, strings.Repeat("ü", 20)))
	if h.directory.Len() != 1 {
		t.Errorf("directory has %d players after a 20-character join, want 1", h.directory.Len())
	}
}

func TestHub_JoinBroadcasts(t *testing.T) {
	h := newHub(testConfig(), "test")
	obs := testClient()
	h.handleRegister(obs)
	drainClient(obs)

	c := testClient()
	h.handleRegister(c)
	drainClient(c)
	h.handleFrame(joinFrame(c, "  Alice  "))

	// Viewers are not players: only Alice counts as online.
	state := expectState(t, obs)
	if state.OnlineCount != 1 {
		t.Errorf("online count %d, want 1", state.OnlineCount)
	}
	if len(state.Leaderboard) != 1 || state.Leaderboard[0].Identity != "Alice" {
		t.Errorf("leaderboard %v, want just Alice (trimmed)", state.Leaderboard)
	}
}

func TestHub_SubmitPhaseGuard(t *testing.T) {
	h := newHub(testConfig(), "test")
	c := testClient()
	h.handleFrame(joinFrame(c, "Alice"))
	drainClient(c)

	h.handleFrame(submitFrame(c, 5, 50))
	expectError(t, c, "lobby")
}

func TestHub_SubmitRequiresJoin(t *testing.T) {
	h := newHub(testConfig(), "test")
	apply(t, h, ActionStartRound)

	c := testClient()
	h.handleFrame(submitFrame(c, 5, 50))
	expectError(t, c, "join the lobby")
}

func TestHub_SubmitValidation(t *testing.T) {
	h := newHub(testConfig(), "test")
	c := testClient()
	h.handleFrame(joinFrame(c, "Alice"))
	apply(t, h, ActionStartRound)
	drainClient(c)

	cases := []struct {
		name               string
		choice, prediction float64
		wantErr            string
	}{
		{"choice too low", 0, 50, "choice"},
		{"choice too high", 11, 50, "choice"},
		{"choice fractional", 3.5, 50, "choice"},
		{"prediction negative", 5, -1, "prediction"},
		{"prediction too high", 5, 100.5, "prediction"},
	}

	for _, tc := range cases {
		h.handleFrame(submitFrame(c, tc.choice, tc.prediction))
		msg := nextMessage(t, c)
		em, ok := msg.(ErrorMessage)
		if !ok {
			t.Fatalf("%s: got %T, want ErrorMessage", tc.name, msg)
		}
		if !strings.Contains(em.Message, tc.wantErr) {
			t.Errorf("%s: error %q does not mention %q", tc.name, em.Message, tc.wantErr)
		}
	}

	p := h.directory.FindByConnection(c)
	if p == nil || p.Submission != nil {
		t.Error("rejected submissions must not mutate state")
	}

	// Missing fields are rejected the same way.
	h.handleFrame(frame{client: c, msg: ClientMessage{Type: "submit_choice"}})
	expectError(t, c, "choice")
}

func TestHub_SubmitReplacesEarlier(t *testing.T) {
	h := newHub(testConfig(), "test")
	c := testClient()
	h.handleFrame(joinFrame(c, "Alice"))
	apply(t, h, ActionStartRound)
	drainClient(c)

	h.handleFrame(submitFrame(c, 3, 30))
	ack := nextMessage(t, c).(AckMessage)
	if ack.Choice != 3 || ack.Round != 1 {
		t.Errorf("ack %+v, want choice 3 round 1", ack)
	}

	// Last write wins, silently.
	h.handleFrame(submitFrame(c, 9, 12.5))
	ack = nextMessage(t, c).(AckMessage)
	if ack.Choice != 9 {
		t.Errorf("ack choice %d, want 9", ack.Choice)
	}

	p := h.directory.FindByConnection(c)
	if p.Submission.Choice != 9 || p.Submission.Prediction != 12.5 {
		t.Errorf("submission %+v, want the later one", p.Submission)
	}
	if h.directory.SubmittedCount() != 1 {
		t.Errorf("SubmittedCount %d, want 1", h.directory.SubmittedCount())
	}
}

func TestHub_AdminAuth(t *testing.T) {
	h := newHub(testConfig(), "test")
	c := testClient()

	// Wrong secret and unknown action must be indistinguishable.
	h.handleFrame(adminFrame(c, ActionStartRound, "wrong"))
	bad := nextMessage(t, c).(ErrorMessage)

	h.handleFrame(adminFrame(c, "no_such_action", h.cfg.adminSecret))
	unknown := nextMessage(t, c).(ErrorMessage)

	if bad.Message != unknown.Message {
		t.Errorf("auth failure %q and unknown action %q should read identically", bad.Message, unknown.Message)
	}

	if h.phase != PhaseLobby {
		t.Errorf("phase %s after rejected actions, want lobby", h.phase)
	}
}

func TestHub_PhaseFlow(t *testing.T) {
	h := newHub(testConfig(), "test")
	c1 := testClient()
	c2 := testClient()
	h.handleFrame(joinFrame(c1, "Alice"))
	h.handleFrame(joinFrame(c2, "Bob"))

	apply(t, h, ActionStartRound)
	if h.phase != PhaseRoundInput {
		t.Fatalf("phase %s, want round_input", h.phase)
	}

	h.handleFrame(submitFrame(c1, 5, 50))
	h.handleFrame(submitFrame(c2, 8, 50))

	apply(t, h, ActionResolveRound)
	if h.phase != PhaseRoundResolution {
		t.Fatalf("phase %s, want round_resolution", h.phase)
	}
	if len(h.lastResults) != 2 {
		t.Fatalf("%d results, want 2", len(h.lastResults))
	}

	// Submissions are gone once the round closes.
	if len(h.directory.Submitters()) != 0 {
		t.Error("submissions should be cleared at resolution")
	}

	apply(t, h, ActionNextRound)
	if h.phase != PhaseRoundInput || h.currentRound != 2 {
		t.Fatalf("phase %s round %d, want round_input round 2", h.phase, h.currentRound)
	}
	if h.lastResults != nil {
		t.Error("results should be cleared entering a new round")
	}

	apply(t, h, ActionResolveRound)
	apply(t, h, ActionNextRound)
	apply(t, h, ActionResolveRound)
	if h.currentRound != 3 {
		t.Fatalf("round %d, want 3", h.currentRound)
	}

	apply(t, h, ActionNextRound)
	if h.phase != PhaseFinalStandings {
		t.Fatalf("phase %s after the last round, want final_standings", h.phase)
	}

	// Terminal except for reset.
	drainClient(c1)
	h.handleFrame(adminFrame(c1, ActionNextRound, h.cfg.adminSecret))
	expectError(t, c1, "final_standings")
}

func TestHub_ResolveTwiceRejected(t *testing.T) {
	h := newHub(testConfig(), "test")
	c := testClient()
	h.handleFrame(joinFrame(c, "Alice"))
	apply(t, h, ActionStartRound)
	h.handleFrame(submitFrame(c, 5, 100))
	apply(t, h, ActionResolveRound)
	drainClient(c)

	before := h.lastResults

	h.handleFrame(adminFrame(c, ActionResolveRound, h.cfg.adminSecret))
	expectError(t, c, "round_resolution")

	if len(h.lastResults) != len(before) {
		t.Error("rejected resolve must leave results untouched")
	}
	for i := range before {
		if h.lastResults[i] != before[i] {
			t.Error("rejected resolve must leave results untouched")
		}
	}
}

func TestHub_ResetFromEveryPhase(t *testing.T) {
	cases := []struct {
		name    string
		actions []string
	}{
		{"lobby", nil},
		{"round_input", []string{ActionStartRound}},
		{"round_resolution", []string{ActionStartRound, ActionResolveRound}},
		{"final_standings", []string{ActionStartRound, ActionResolveRound, ActionNextRound}},
	}

	for _, tc := range cases {
		cfg := testConfig()
		cfg.rounds = 1
		h := newHub(cfg, "test")
		c := testClient()
		h.handleFrame(joinFrame(c, "Alice"))
		p := h.directory.FindByConnection(c)
		p.Score = 7

		for _, action := range tc.actions {
			apply(t, h, action)
		}

		apply(t, h, ActionReset)

		if h.phase != PhaseLobby {
			t.Errorf("%s: phase %s after reset, want lobby", tc.name, h.phase)
		}
		if h.currentRound != 1 {
			t.Errorf("%s: round %d after reset, want 1", tc.name, h.currentRound)
		}
		if h.lastResults != nil {
			t.Errorf("%s: results not cleared by reset", tc.name)
		}
		if p.Score != 0 {
			t.Errorf("%s: score %v after reset, want 0", tc.name, p.Score)
		}
		if h.directory.Len() != 1 {
			t.Errorf("%s: reset removed players", tc.name)
		}
	}
}

func TestHub_ReconnectionRoundTrip(t *testing.T) {
	h := newHub(testConfig(), "test")

	c1 := testClient()
	h.handleRegister(c1)
	drainClient(c1)
	h.handleFrame(joinFrame(c1, "Alice"))
	apply(t, h, ActionStartRound)
	h.handleFrame(submitFrame(c1, 5, 50))
	apply(t, h, ActionResolveRound)

	// Sole submitter at choice 5, predicted 50: popularity 100, base 0,
	// penalty 5, cumulative score -5.
	p := h.directory.FindByConnection(c1)
	if !almostEqual(p.Score, -5) {
		t.Fatalf("score %v, want -5", p.Score)
	}

	h.handleUnregister(c1)
	if p.Online || p.DisconnectedAt.IsZero() {
		t.Fatal("player should be offline with a disconnect timestamp")
	}

	c2 := testClient()
	h.handleRegister(c2)
	drainClient(c2)
	h.handleFrame(joinFrame(c2, "Alice"))

	again := h.directory.FindByConnection(c2)
	if again != p {
		t.Error("rejoining should resume the same entry")
	}
	if !almostEqual(again.Score, -5) {
		t.Errorf("score %v after rejoin, want -5", again.Score)
	}
	if again.Submission != nil {
		t.Error("prior round's submission should be gone after the round closed")
	}
	if h.directory.Len() != 1 {
		t.Errorf("directory has %d players, want 1", h.directory.Len())
	}
}

func TestHub_SnapshotShape(t *testing.T) {
	h := newHub(testConfig(), "test")
	c := testClient()
	h.handleFrame(joinFrame(c, "Alice"))

	apply(t, h, ActionStartRound)
	h.handleFrame(submitFrame(c, 5, 100.0/3))

	h.mu.RLock()
	snap := h.snapshotLocked()
	h.mu.RUnlock()
	if snap.SubmittedCount != 1 {
		t.Errorf("submitted count %d during round_input, want 1", snap.SubmittedCount)
	}
	if snap.Results != nil {
		t.Error("results must stay empty during round_input")
	}

	apply(t, h, ActionResolveRound)

	h.mu.RLock()
	snap = h.snapshotLocked()
	h.mu.RUnlock()
	if snap.SubmittedCount != 0 {
		t.Errorf("submitted count %d outside round_input, want 0", snap.SubmittedCount)
	}
	if len(snap.Results) != 1 {
		t.Fatalf("%d results after resolution, want 1", len(snap.Results))
	}

	// Display values are rounded to two decimals; 100/3 becomes 33.33.
	if snap.Results[0].Prediction != 33.33 {
		t.Errorf("display prediction %v, want 33.33", snap.Results[0].Prediction)
	}
	if snap.Results[0].Popularity != 100 {
		t.Errorf("display popularity %v, want 100", snap.Results[0].Popularity)
	}
}

func TestHub_CoalescedBroadcast(t *testing.T) {
	cfg := testConfig()
	cfg.coalesceWindow = 60 * time.Millisecond
	h := newHub(cfg, "test")
	go h.run()
	defer close(h.done)

	obs := testClient()
	h.register <- obs
	expectState(t, obs)

	c1 := testClient()
	c2 := testClient()
	h.frames <- joinFrame(c1, "Alice")
	expectState(t, obs)
	h.frames <- joinFrame(c2, "Bob")
	expectState(t, obs)
	h.frames <- adminFrame(testClient(), ActionStartRound, cfg.adminSecret)
	expectState(t, obs)

	// A burst of submissions inside one window must coalesce into exactly
	// one broadcast.
	h.frames <- submitFrame(c1, 4, 25)
	h.frames <- submitFrame(c2, 7, 10)

	states := 0
	deadline := time.After(4 * cfg.coalesceWindow)
	var last StateMessage
	for {
		select {
		case msg := <-obs.send:
			if state, ok := msg.(StateMessage); ok {
				states++
				last = state
			}
		case <-deadline:
			if states != 1 {
				t.Fatalf("got %d broadcasts for a submission burst, want 1", states)
			}
			if last.SubmittedCount != 2 {
				t.Errorf("submitted count %d, want 2", last.SubmittedCount)
			}
			return
		}
	}
}

func TestHub_ImmediateSupersedesCoalesced(t *testing.T) {
	cfg := testConfig()
	cfg.coalesceWindow = 80 * time.Millisecond
	h := newHub(cfg, "test")
	go h.run()
	defer close(h.done)

	obs := testClient()
	h.register <- obs
	expectState(t, obs)

	c := testClient()
	h.frames <- joinFrame(c, "Alice")
	expectState(t, obs)
	h.frames <- adminFrame(testClient(), ActionStartRound, cfg.adminSecret)
	expectState(t, obs)

	// Submission schedules a coalesced broadcast; resolving the round fires
	// an immediate one, which must cancel the pending timer.
	h.frames <- submitFrame(c, 6, 100)
	h.frames <- adminFrame(testClient(), ActionResolveRound, cfg.adminSecret)

	state := expectState(t, obs)
	if state.Phase != PhaseRoundResolution {
		t.Fatalf("phase %s, want round_resolution", state.Phase)
	}

	// No trailing coalesced duplicate once the window would have elapsed.
	select {
	case msg := <-obs.send:
		if _, ok := msg.(StateMessage); ok {
			t.Error("cancelled coalesced broadcast still fired")
		}
	case <-time.After(3 * cfg.coalesceWindow):
	}
}

func TestHub_SweepEvictsAndBroadcasts(t *testing.T) {
	cfg := testConfig()
	cfg.grace = 40 * time.Millisecond
	cfg.reapInterval = 20 * time.Millisecond
	h := newHub(cfg, "test")
	go h.run()
	defer close(h.done)

	obs := testClient()
	h.register <- obs
	expectState(t, obs)

	c := testClient()
	h.register <- c
	h.frames <- joinFrame(c, "Alice")
	expectState(t, obs)

	h.unreg <- c
	state := expectState(t, obs)
	if len(state.Leaderboard) != 1 || state.Leaderboard[0].Online {
		t.Fatalf("leaderboard %v after disconnect, want offline Alice", state.Leaderboard)
	}

	// Past the grace window, the sweep evicts Alice and announces it.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-obs.send:
			if state, ok := msg.(StateMessage); ok && len(state.Leaderboard) == 0 {
				return
			}
		case <-deadline:
			t.Fatal("evicted player never left the broadcast leaderboard")
		}
	}
}

func TestGameManager_ReapsIdleGames(t *testing.T) {
	cfg := testConfig()
	cfg.sessionTimeout = 50 * time.Millisecond
	gm := newGameManager(cfg)

	mux := httprouter.New()
	mux.GET("/rarebird/:gameid/ws", serveWSForManager(cfg, gm))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	baseline := runtime.NumGoroutine()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rarebird/stale001/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var snapshot map[string]any
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}

	hub, ok := gm.lookup("stale001")
	if !ok {
		t.Fatal("hub missing after connect")
	}

	// Age the session past the idle timeout and wait for the reaper.
	hub.mu.Lock()
	hub.lastActive = time.Now().Add(-time.Hour)
	hub.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := gm.lookup("stale001"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle game was never dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The reaper disconnects every client of the dropped game.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still readable after its game was reaped")
	}
	_ = conn.Close()

	// Every per-connection goroutine must wind down once the hub's run loop
	// has exited; a read pump stuck handing its connection back would keep
	// the count above the pre-dial baseline forever.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= baseline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%d goroutines still running, want at most %d", runtime.NumGoroutine(), baseline)
}
