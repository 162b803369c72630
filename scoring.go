package main

import "math"

// RoundResult is one player's outcome for a resolved round. Only players who
// submitted appear; everyone else simply scores nothing.
type RoundResult struct {
	Identity   string
	Choice     int
	Prediction float64
	Popularity float64
	BaseScore  float64
	Penalty    float64
	RoundScore float64
}

// scoreRound resolves the open round over the given submitters. For a player
// choosing x with prediction z, where Y is the percentage of submitters who
// chose x:
//
//	base    = x * (1 - Y/100)
//	penalty = |Y - z| / 10
//	score   = base - penalty
//
// High numbers that turn out rare score well; misjudging the crowd costs.
// Each submitter's cumulative score is bumped as a side effect, so this must
// run exactly once per round close.
func scoreRound(submitters []*Player) []RoundResult {
	n := len(submitters)
	if n == 0 {
		return nil
	}

	counts := make(map[int]int, n)
	for _, p := range submitters {
		counts[p.Submission.Choice]++
	}

	results := make([]RoundResult, 0, n)
	for _, p := range submitters {
		x := p.Submission.Choice
		z := p.Submission.Prediction

		popularity := float64(counts[x]) / float64(n) * 100
		base := float64(x) * (1 - popularity/100)
		penalty := math.Abs(popularity-z) / 10
		score := base - penalty

		p.Score += score

		results = append(results, RoundResult{
			Identity:   p.Identity,
			Choice:     x,
			Prediction: z,
			Popularity: popularity,
			BaseScore:  base,
			Penalty:    penalty,
			RoundScore: score,
		})
	}

	return results
}

// round2 trims a score for display. The engine itself keeps full precision.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
