// Package perception is the container-identification boundary. The robot
// agent only asks whether the container in front of it carries the
// expected id; how that is decided (camera, QR decoder, remote service)
// lives behind Matcher.
package perception

import (
	"context"
	"time"
)

// Outcome of one match attempt.
type Outcome string

const (
	Matched    Outcome = "matched"
	Mismatched Outcome = "mismatched"
	TimedOut   Outcome = "timed_out"
	Cancelled  Outcome = "cancelled"
)

// DefaultTimeout bounds a single attempt.
const DefaultTimeout = 10 * time.Second

// Result is the outcome plus the id actually read, if any.
type Result struct {
	Outcome Outcome
	ID      string
}

// Confirms reports whether r positively identifies expectedID.
func (r Result) Confirms(expectedID string) bool {
	return r.Outcome == Matched && r.ID == expectedID
}

// Matcher blocks for at most timeout. Cancelling ctx ends the attempt with
// Cancelled. A non-nil error means the attempt could not be made at all.
type Matcher interface {
	Name() string
	AttemptMatch(ctx context.Context, expectedID string, timeout time.Duration) (Result, error)
}

// StubMatcher answers after Delay without looking at anything. The zero
// value matches immediately.
type StubMatcher struct {
	Delay time.Duration
	// Outcome overrides the default Matched.
	Outcome Outcome
	// ID overrides the reported id (defaults to the expected one).
	ID string
}

func (StubMatcher) Name() string { return "stub" }

func (s StubMatcher) AttemptMatch(ctx context.Context, expectedID string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if s.Delay > 0 {
		wait := s.Delay
		if timeout < wait {
			wait = timeout
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{Outcome: Cancelled}, nil
		case <-t.C:
		}
		if s.Delay > timeout {
			return Result{Outcome: TimedOut}, nil
		}
	} else if ctx.Err() != nil {
		return Result{Outcome: Cancelled}, nil
	}
	out := Result{Outcome: s.Outcome, ID: s.ID}
	if out.Outcome == "" {
		out.Outcome = Matched
	}
	if out.ID == "" && out.Outcome != TimedOut && out.Outcome != Cancelled {
		out.ID = expectedID
	}
	return out, nil
}

// FeedMatcher returns whatever result is fed to it next. An attempt with no
// fed result ends as TimedOut after timeout, or Cancelled with ctx.
type FeedMatcher struct {
	results chan Result
	calls   chan string
}

func NewFeedMatcher() *FeedMatcher {
	return &FeedMatcher{results: make(chan Result, 16), calls: make(chan string, 16)}
}

func (*FeedMatcher) Name() string { return "feed" }

// Feed queues r for the next attempt.
func (f *FeedMatcher) Feed(r Result) { f.results <- r }

// Calls receives the expected id of every attempt as it starts.
func (f *FeedMatcher) Calls() <-chan string { return f.calls }

func (f *FeedMatcher) AttemptMatch(ctx context.Context, expectedID string, timeout time.Duration) (Result, error) {
	select {
	case f.calls <- expectedID:
	default:
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r := <-f.results:
		return r, nil
	case <-t.C:
		return Result{Outcome: TimedOut}, nil
	case <-ctx.Done():
		return Result{Outcome: Cancelled}, nil
	}
}

var (
	_ Matcher = StubMatcher{}
	_ Matcher = (*FeedMatcher)(nil)
)
