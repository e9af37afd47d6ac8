package consensus

import (
	"testing"

	xerrors "AgentProof-Chain/internal/errors"
)

func votes(scores ...uint8) []Vote {
	out := make([]Vote, len(scores))
	for i, s := range scores {
		out[i] = Vote{Validator: string(rune('a' + i)), Score: s}
	}
	return out
}

func TestAggregateMedianOdd(t *testing.T) {
	agg := NewAggregator(Config{})

	decision, err := agg.Aggregate(votes(80, 90, 85))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if decision.FinalScore != 85 {
		t.Fatalf("median = %d, want 85", decision.FinalScore)
	}
	if decision.Disagreement {
		t.Fatalf("spread 10 within default tolerance should not flag disagreement")
	}
	if decision.Votes != 3 || decision.Spread != 10 {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestAggregateMedianEven(t *testing.T) {
	agg := NewAggregator(Config{MinVotes: 4})

	decision, err := agg.Aggregate(votes(70, 80, 90, 95))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if decision.FinalScore != 85 {
		t.Fatalf("even median = %d, want 85", decision.FinalScore)
	}
}

func TestAggregateResistsOutlier(t *testing.T) {
	agg := NewAggregator(Config{})

	decision, err := agg.Aggregate(votes(88, 90, 0, 91, 89))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if decision.FinalScore != 89 {
		t.Fatalf("median should shrug off the outlier: got %d, want 89", decision.FinalScore)
	}
	if !decision.Disagreement {
		t.Fatalf("spread of 91 must flag disagreement")
	}
}

func TestAggregateDisagreementBoundary(t *testing.T) {
	agg := NewAggregator(Config{Tolerance: 20})

	atTolerance, err := agg.Aggregate(votes(70, 80, 90))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if atTolerance.Disagreement {
		t.Fatalf("spread equal to tolerance must not flag disagreement")
	}

	above, err := agg.Aggregate(votes(69, 80, 90))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !above.Disagreement {
		t.Fatalf("spread above tolerance must flag disagreement")
	}
}

func TestAggregateInsufficientVotes(t *testing.T) {
	agg := NewAggregator(Config{MinVotes: 3})

	_, err := agg.Aggregate(votes(90, 91))
	if err == nil {
		t.Fatalf("two votes must not form consensus")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientVotes {
		t.Fatalf("wrong code: %s", xerrors.CodeOf(err))
	}
}

func TestAggregateRejectsInvalidScore(t *testing.T) {
	agg := NewAggregator(Config{})

	_, err := agg.Aggregate([]Vote{{Validator: "v1", Score: 150}, {Validator: "v2", Score: 90}, {Validator: "v3", Score: 85}})
	if err == nil {
		t.Fatalf("score above 100 must be rejected")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidInput {
		t.Fatalf("wrong code: %s", xerrors.CodeOf(err))
	}
}
