// Package consensus implements the Deliberation & Consensus Engine (C6):
// per-issue weighted vote tallying, deadlock bypass by majority, and the
// turn-advancement rule that drives a session through the deliberating
// phase.
package consensus

import (
	"math"
	"sort"

	"github.com/arvhq/arv/internal/domain"
)

// Weights configures vote weighting (config.ConsensusConfig, carried here
// so the engine does not import config and stays independently testable).
type Weights struct {
	Threshold  float64
	Strictness map[string]float64
}

// Outcome is the result of tallying one issue's opinion thread.
type Outcome struct {
	Decided       bool
	ConsensusType domain.ConsensusType
	FinalSeverity domain.Severity

	// FalsePositiveFlag is set when false_positive votes were cast,
	// signalling a review request back to the raiser regardless of the
	// final decision.
	FalsePositiveFlag bool
}

// latestVote is one voter's most recent vote-bearing opinion.
type latestVote struct {
	modelID  string
	action   domain.OpinionAction
	weight   float64
	severity domain.Severity
}

// Tally computes the weighted vote for one issue, given its full opinion
// thread, the agent roster (for strictness lookup), and whether every
// enabled non-raiser reviewer has voted this turn (all voices heard, for
// deadlock bypass).
func Tally(
	issue domain.Issue, agents []domain.Agent, weights Weights,
	allVoicesHeard bool,
) Outcome {

	latest := latestVotesByVoter(issue)

	strictnessOf := func(modelID string) domain.Strictness {
		for _, a := range agents {
			if a.ModelID == modelID {
				return a.Strictness
			}
		}
		return domain.StrictnessBalanced
	}

	var fixWeight, noFixWeight float64
	var severities []domain.Severity
	falsePositive := false

	for _, v := range latest {
		w := v.weight
		if w == 0 {
			w = domain.StrictnessWeight(strictnessOf(v.modelID), weights.Strictness)
		}
		if w < 0.1 {
			w = 0.1
		}

		switch v.action {
		case domain.OpinionFixRequired:
			fixWeight += w
			if v.severity != "" {
				severities = append(severities, v.severity)
			}
		case domain.OpinionNoFix:
			noFixWeight += w
		case domain.OpinionFalsePositive:
			noFixWeight += w
			falsePositive = true
		}
	}

	diff := fixWeight - noFixWeight
	if math.Abs(diff) >= weights.Threshold {
		if diff > 0 {
			return Outcome{
				Decided:           true,
				ConsensusType:     domain.ConsensusFixRequired,
				FinalSeverity:     weightedMedianSeverity(severities, issue.Severity),
				FalsePositiveFlag: falsePositive,
			}
		}
		return Outcome{
			Decided:           true,
			ConsensusType:     domain.ConsensusDismissed,
			FinalSeverity:     domain.SeverityDismissed,
			FalsePositiveFlag: falsePositive,
		}
	}

	if !allVoicesHeard {
		return Outcome{Decided: false, FalsePositiveFlag: falsePositive}
	}

	// Deadlock bypass: simple majority of latest votes; ties -> undecided.
	switch {
	case fixWeight > noFixWeight:
		return Outcome{
			Decided:           true,
			ConsensusType:     domain.ConsensusFixRequired,
			FinalSeverity:     weightedMedianSeverity(severities, issue.Severity),
			FalsePositiveFlag: falsePositive,
		}
	case noFixWeight > fixWeight:
		return Outcome{
			Decided:           true,
			ConsensusType:     domain.ConsensusDismissed,
			FinalSeverity:     domain.SeverityDismissed,
			FalsePositiveFlag: falsePositive,
		}
	default:
		return Outcome{
			Decided:           true,
			ConsensusType:     domain.ConsensusUndecided,
			FinalSeverity:     issue.Severity,
			FalsePositiveFlag: falsePositive,
		}
	}
}

// latestVotesByVoter restricts the opinion thread to vote-bearing actions
// and keeps only each voter's latest one, along with its confidence-or-zero
// weight (zero meaning "fall back to strictness").
func latestVotesByVoter(issue domain.Issue) []latestVote {
	byVoter := make(map[string]domain.Opinion)
	var order []string

	for _, op := range issue.Opinions {
		if !op.Action.VoteBearing() {
			continue
		}
		if _, seen := byVoter[op.ModelID]; !seen {
			order = append(order, op.ModelID)
		}
		byVoter[op.ModelID] = op
	}

	votes := make([]latestVote, 0, len(order))
	for _, modelID := range order {
		op := byVoter[modelID]
		w := 0.0
		if op.Confidence != nil {
			w = math.Max(*op.Confidence, 0.1)
		}
		votes = append(votes, latestVote{
			modelID:  modelID,
			action:   op.Action,
			weight:   w,
			severity: op.SuggestedSeverity,
		})
	}

	return votes
}

// weightedMedianSeverity picks the median of the suggested severities
// (by rank), falling back to the raise severity when none were suggested.
func weightedMedianSeverity(severities []domain.Severity, fallback domain.Severity) domain.Severity {
	if len(severities) == 0 {
		return fallback
	}

	sorted := append([]domain.Severity{}, severities...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Rank() < sorted[j].Rank()
	})

	return sorted[len(sorted)/2]
}

// TurnComplete reports whether a turn has ended for a set of undecided
// issues: every enabled agent has either submitted an opinion for every
// undecided issue this turn, or been skipped after the per-turn deadline
// (represented here by skipped containing their model ID).
func TurnComplete(
	undecided []domain.Issue, enabledNonRaisers map[string][]string,
	turn int, skipped map[string]bool,
) bool {

	for _, issue := range undecided {
		voters := enabledNonRaisers[issue.ID]
		for _, modelID := range voters {
			if skipped[modelID] {
				continue
			}
			if !votedThisTurn(issue, modelID, turn) {
				return false
			}
		}
	}

	return true
}

func votedThisTurn(issue domain.Issue, modelID string, turn int) bool {
	for _, op := range issue.Opinions {
		if op.ModelID == modelID && op.Turn == turn && op.Action.VoteBearing() {
			return true
		}
	}
	return false
}

// ShouldContinue reports whether an undecided issue's vote count changed
// since the last turn and therefore earns another turn, versus being
// frozen at max turns.
func ShouldContinue(votesThisTurn, votesLastTurn, turn, maxTurns int) bool {
	if turn >= maxTurns {
		return false
	}
	return votesThisTurn != votesLastTurn
}
