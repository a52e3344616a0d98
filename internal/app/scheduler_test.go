package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type refresherStub struct {
	state       State
	err         error
	calls       int
	sawDeadline bool
}

func (s *refresherStub) State() State { return s.state }

func (s *refresherStub) Refresh(ctx context.Context) error {
	s.calls++
	if _, ok := ctx.Deadline(); ok {
		s.sawDeadline = true
	}
	return s.err
}

func newTestScheduler(target Refresher, schedule string) *Scheduler {
	return NewScheduler(target, schedule, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRefreshDataset_SkipsWhenLoggedOut(t *testing.T) {
	target := &refresherStub{state: loggedOutState()}

	newTestScheduler(target, "@every 1m").RefreshDataset()

	if target.calls != 0 {
		t.Fatalf("expected no refresh while logged out, got %d", target.calls)
	}
}

func TestRefreshDataset_RefreshesWithDeadline(t *testing.T) {
	target := &refresherStub{state: State{Authenticated: true}}

	newTestScheduler(target, "@every 1m").RefreshDataset()

	if target.calls != 1 {
		t.Fatalf("expected one refresh, got %d", target.calls)
	}
	if !target.sawDeadline {
		t.Fatal("expected the refresh context to carry a deadline")
	}
}

func TestRefreshDataset_ToleratesFailure(t *testing.T) {
	target := &refresherStub{state: State{Authenticated: true}, err: errors.New("backend down")}

	newTestScheduler(target, "@every 1m").RefreshDataset()

	if target.calls != 1 {
		t.Fatalf("expected one refresh attempt, got %d", target.calls)
	}
}

func TestSchedulerStart(t *testing.T) {
	disabled := newTestScheduler(&refresherStub{}, "")
	if err := disabled.Start(); err != nil {
		t.Fatalf("expected empty schedule to disable the job, got %v", err)
	}

	invalid := newTestScheduler(&refresherStub{}, "every now and then")
	if err := invalid.Start(); err == nil {
		t.Fatal("expected an invalid schedule to be rejected")
	}

	valid := newTestScheduler(&refresherStub{}, "*/5 * * * *")
	if err := valid.Start(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-valid.Stop().Done()
}
