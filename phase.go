package main

import (
	"errors"
	"fmt"
)

// Phase gates which actions are legal at any moment.
type Phase string

const (
	PhaseLobby           Phase = "lobby"
	PhaseRoundInput      Phase = "round_input"
	PhaseRoundResolution Phase = "round_resolution"
	PhaseFinalStandings  Phase = "final_standings"
)

// Admin actions accepted over the wire.
const (
	ActionStartRound   = "start_round"
	ActionResolveRound = "resolve_round"
	ActionNextRound    = "next_round"
	ActionReset        = "reset"
)

// errInvalidAdmin covers both an unknown action and a wrong secret, so a
// caller probing with a bad secret learns nothing it wouldn't learn from a
// typo.
var errInvalidAdmin = errors.New("invalid admin request")

func phaseError(action string, current Phase) error {
	return fmt.Errorf("cannot %s during %s", action, current)
}

// applyAdminLocked runs one admin transition against the session state.
// A rejected action leaves everything untouched. Assumes h.mu is held.
func (h *Hub) applyAdminLocked(action string) error {
	switch action {
	case ActionStartRound:
		if h.phase != PhaseLobby && h.phase != PhaseRoundResolution {
			return phaseError(action, h.phase)
		}
		h.directory.ClearSubmissions()
		h.lastResults = nil
		h.phase = PhaseRoundInput

	case ActionResolveRound:
		if h.phase != PhaseRoundInput {
			return phaseError(action, h.phase)
		}
		h.lastResults = scoreRound(h.directory.Submitters())
		h.directory.ClearSubmissions()
		h.phase = PhaseRoundResolution

	case ActionNextRound:
		if h.phase != PhaseRoundResolution {
			return phaseError(action, h.phase)
		}
		if h.currentRound >= h.cfg.rounds {
			h.phase = PhaseFinalStandings
			break
		}
		h.currentRound++
		h.directory.ClearSubmissions()
		h.lastResults = nil
		h.phase = PhaseRoundInput

	case ActionReset:
		h.phase = PhaseLobby
		h.currentRound = 1
		h.lastResults = nil
		h.directory.ResetScores()

	default:
		return errInvalidAdmin
	}

	return nil
}
