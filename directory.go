package main

import (
	"sort"
	"time"
)

const maxIdentityLen = 20

// Submission is a player's (choice, prediction) pair for the open round.
type Submission struct {
	Choice     int
	Prediction float64
}

// Player holds the data we store server-side for one identity. The identity
// string doubles as the reconnection token: a client joining with a known
// name takes over that entry, score and all.
type Player struct {
	Identity       string
	Online         bool
	DisconnectedAt time.Time
	Score          float64
	Submission     *Submission

	client *Client
}

// Standing is one leaderboard row.
type Standing struct {
	Identity string  `json:"identity"`
	Score    float64 `json:"score"`
	Online   bool    `json:"online"`
}

// Directory is the slice-backed player store. Insertion order is preserved
// so leaderboard ties resolve to whoever joined first. Not safe for
// concurrent use; the owning hub serializes access.
type Directory struct {
	players []*Player
}

// JoinOrReconnect attaches c to the player named identity, creating the
// entry if it is new. An existing entry keeps its score and submission.
// If c was previously bound to a different identity, that binding is
// released first.
func (d *Directory) JoinOrReconnect(identity string, c *Client) *Player {
	if prev := d.FindByConnection(c); prev != nil && prev.Identity != identity {
		prev.Online = false
		prev.DisconnectedAt = time.Now()
		prev.client = nil
	}

	for _, p := range d.players {
		if p.Identity == identity {
			p.client = c
			p.Online = true
			p.DisconnectedAt = time.Time{}
			return p
		}
	}

	p := &Player{
		Identity: identity,
		Online:   true,
		client:   c,
	}
	d.players = append(d.players, p)
	return p
}

// FindByConnection resolves a connection to its player, or nil. Linear scan;
// called once per client action, not per tick.
func (d *Directory) FindByConnection(c *Client) *Player {
	if c == nil {
		return nil
	}
	for _, p := range d.players {
		if p.client == c {
			return p
		}
	}
	return nil
}

// MarkOffline releases the connection binding and records the disconnect
// time. Returns the affected player, or nil if c was never bound (an
// observer who never joined).
func (d *Directory) MarkOffline(c *Client) *Player {
	p := d.FindByConnection(c)
	if p == nil {
		return nil
	}
	p.Online = false
	p.DisconnectedAt = time.Now()
	p.client = nil
	return p
}

// PurgeStale removes every player offline for strictly longer than grace and
// returns how many were removed. A player offline for exactly grace stays.
func (d *Directory) PurgeStale(now time.Time, grace time.Duration) int {
	dst := d.players[:0]
	removed := 0

	for _, p := range d.players {
		if !p.Online && now.Sub(p.DisconnectedAt) > grace {
			removed++
			continue
		}
		dst = append(dst, p)
	}
	for i := len(dst); i < len(d.players); i++ {
		d.players[i] = nil
	}
	d.players = dst

	return removed
}

// Leaderboard returns all known players, online or not, sorted descending by
// score. The sort is stable, so ties keep insertion order. Scores are full
// precision; display rounding happens at broadcast time.
func (d *Directory) Leaderboard() []Standing {
	standings := make([]Standing, 0, len(d.players))
	for _, p := range d.players {
		standings = append(standings, Standing{
			Identity: p.Identity,
			Score:    p.Score,
			Online:   p.Online,
		})
	}

	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Score > standings[j].Score
	})

	return standings
}

// Submitters returns the players holding a submission, in insertion order.
func (d *Directory) Submitters() []*Player {
	submitters := make([]*Player, 0, len(d.players))
	for _, p := range d.players {
		if p.Submission != nil {
			submitters = append(submitters, p)
		}
	}
	return submitters
}

// ClearSubmissions drops every pending submission.
func (d *Directory) ClearSubmissions() {
	for _, p := range d.players {
		p.Submission = nil
	}
}

// ResetScores zeroes every score and drops submissions. Players themselves
// are kept.
func (d *Directory) ResetScores() {
	for _, p := range d.players {
		p.Score = 0
		p.Submission = nil
	}
}

func (d *Directory) Len() int {
	return len(d.players)
}

func (d *Directory) OnlineCount() int {
	online := 0
	for _, p := range d.players {
		if p.Online {
			online++
		}
	}
	return online
}

// SubmittedCount counts online players holding a submission.
func (d *Directory) SubmittedCount() int {
	submitted := 0
	for _, p := range d.players {
		if p.Online && p.Submission != nil {
			submitted++
		}
	}
	return submitted
}
