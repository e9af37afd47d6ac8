package verifier

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"AgentProof-Chain/internal/evidence"

	xerrors "AgentProof-Chain/internal/errors"
)

func newStreamVerifier(t *testing.T, opts ...StreamOption) *StreamVerifier {
	t.Helper()
	sv, err := NewStreamVerifier(evidence.NewAnalyzer(evidence.NewPatternDetector()), opts...)
	if err != nil {
		t.Fatalf("new stream verifier: %v", err)
	}
	return sv
}

func TestVerifyStreamEarlyStopSkipsRemainder(t *testing.T) {
	const total = 10000
	items := make([][]byte, total)
	for i := range items {
		if i < 10 {
			items[i] = []byte(fmt.Sprintf("claim %d is definitely true", i))
		} else {
			items[i] = []byte(fmt.Sprintf("claim %d", i))
		}
	}
	src := NewSliceSource(items)
	sv := newStreamVerifier(t, WithChunkSize(128))

	summary, err := sv.VerifyStream(context.Background(), src, func(s StreamSummary) bool {
		return s.Flagged >= 5
	})
	if err != nil {
		t.Fatalf("verify stream: %v", err)
	}
	if !summary.EarlyStop {
		t.Fatalf("expected early stop, summary %+v", summary)
	}
	if summary.Processed >= total {
		t.Fatalf("early stop must touch fewer than %d items, processed %d", total, summary.Processed)
	}
	if src.Consumed() >= total {
		t.Fatalf("early stop must pull fewer than %d items, pulled %d", total, src.Consumed())
	}
	if summary.Chunks != 1 || summary.Processed != 128 {
		t.Fatalf("expected to stop after the first chunk, summary %+v", summary)
	}
	if summary.Flagged < 5 {
		t.Fatalf("stop condition fired below threshold, summary %+v", summary)
	}
}

func TestVerifyStreamProcessesWholeSource(t *testing.T) {
	items := make([][]byte, 10)
	for i := range items {
		items[i] = []byte(fmt.Sprintf("plain statement %d", i))
	}
	src := NewSliceSource(items)
	sv := newStreamVerifier(t, WithChunkSize(4))

	summary, err := sv.VerifyStream(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("verify stream: %v", err)
	}
	if summary.Processed != 10 {
		t.Fatalf("expected 10 processed, got %d", summary.Processed)
	}
	if summary.Chunks != 3 {
		t.Fatalf("expected 3 chunks of size 4, got %d", summary.Chunks)
	}
	if summary.EarlyStop {
		t.Fatalf("full pass must not report early stop")
	}
	if summary.Flagged != 0 {
		t.Fatalf("clean items must not be flagged, summary %+v", summary)
	}
}

func TestVerifyStreamStopOnExhaustedSourceIsNotEarly(t *testing.T) {
	items := [][]byte{
		[]byte("this is definitely the case"),
		[]byte("plain"),
		[]byte("plain"),
	}
	src := NewSliceSource(items)
	sv := newStreamVerifier(t, WithChunkSize(4))

	summary, err := sv.VerifyStream(context.Background(), src, func(s StreamSummary) bool {
		return s.Flagged >= 1
	})
	if err != nil {
		t.Fatalf("verify stream: %v", err)
	}
	if summary.EarlyStop {
		t.Fatalf("stop after exhaustion must not count as early, summary %+v", summary)
	}
	if summary.Processed != 3 || summary.Flagged != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestVerifyStreamChannelSource(t *testing.T) {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for i := 0; i < 5; i++ {
			ch <- []byte(fmt.Sprintf("item %d", i))
		}
	}()
	sv := newStreamVerifier(t, WithChunkSize(2))

	summary, err := sv.VerifyStream(context.Background(), NewChanSource(ch), nil)
	if err != nil {
		t.Fatalf("verify stream: %v", err)
	}
	if summary.Processed != 5 {
		t.Fatalf("expected 5 processed from channel, got %d", summary.Processed)
	}
}

func TestVerifyStreamCancellation(t *testing.T) {
	ch := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sv := newStreamVerifier(t)

	_, err := sv.VerifyStream(ctx, NewChanSource(ch), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

type failingSource struct {
	remaining int
	err       error
}

func (s *failingSource) Next(_ context.Context) ([]byte, bool, error) {
	if s.remaining == 0 {
		return nil, false, s.err
	}
	s.remaining--
	return []byte("item"), true, nil
}

func TestVerifyStreamSourceErrorKeepsProgress(t *testing.T) {
	src := &failingSource{remaining: 3, err: errors.New("connection reset")}
	sv := newStreamVerifier(t, WithChunkSize(2))

	summary, err := sv.VerifyStream(context.Background(), src, nil)
	if err == nil {
		t.Fatalf("expected source error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeExecutionFailure {
		t.Fatalf("wrong code: %s", xerrors.CodeOf(err))
	}
	if summary.Processed != 2 || summary.Chunks != 1 {
		t.Fatalf("expected progress from completed chunks, summary %+v", summary)
	}
}

func TestNewStreamVerifierRequiresAnalyzer(t *testing.T) {
	if _, err := NewStreamVerifier(nil); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
