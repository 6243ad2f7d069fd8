package reward

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

var testCfg = Config{
	HoldDuration:    80 * time.Millisecond,
	PreviewDuration: 30 * time.Millisecond,
}

func TestFullHoldClaimsOnce(t *testing.T) {
	var claims, celebrations atomic.Int32
	c := NewController(testCfg, "pay-1", func(ctx context.Context, paymentID string) error {
		if paymentID != "pay-1" {
			t.Errorf("unexpected payment id %q", paymentID)
		}
		claims.Add(1)
		return nil
	}, slog.Default())
	c.OnCelebrate = func() { celebrations.Add(1) }

	c.StartHold()
	// Held past the full duration.
	time.Sleep(testCfg.HoldDuration + 40*time.Millisecond)

	if got := c.State(); got != StateClaimed {
		t.Fatalf("state = %s, want %s", got, StateClaimed)
	}
	if got := c.Progress(); got != 100 {
		t.Fatalf("progress = %d, want 100", got)
	}

	// Further gestures must not re-claim.
	c.StartHold()
	c.Release()
	time.Sleep(testCfg.HoldDuration + 40*time.Millisecond)

	if got := claims.Load(); got != 1 {
		t.Fatalf("claims = %d, want 1", got)
	}
	if got := celebrations.Load(); got != 1 {
		t.Fatalf("celebrations = %d, want 1", got)
	}
}

func TestEarlyReleaseKeepsPreviewThenResets(t *testing.T) {
	c := NewController(testCfg, "pay-1", func(context.Context, string) error { return nil }, slog.Default())

	c.StartHold()
	time.Sleep(5 * time.Millisecond)
	c.Release()

	// Inside the preview window the ramp is still animating.
	if got := c.State(); got != StateHolding {
		t.Fatalf("state during preview = %s, want %s", got, StateHolding)
	}

	time.Sleep(testCfg.PreviewDuration + 30*time.Millisecond)

	if got := c.State(); got != StateIdle {
		t.Fatalf("state after preview = %s, want %s", got, StateIdle)
	}
	if got := c.Progress(); got != 0 {
		t.Fatalf("progress after preview = %d, want 0", got)
	}
}

func TestLateReleaseResetsImmediately(t *testing.T) {
	c := NewController(testCfg, "pay-1", func(context.Context, string) error { return nil }, slog.Default())

	c.StartHold()
	time.Sleep(testCfg.PreviewDuration + 10*time.Millisecond)
	c.Release()

	if got := c.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
	if got := c.Progress(); got != 0 {
		t.Fatalf("progress = %d, want 0", got)
	}
}

func TestClaimFailureDoesNotRevert(t *testing.T) {
	noticeCh := make(chan string, 1)
	c := NewController(testCfg, "pay-1", func(context.Context, string) error {
		return errors.New("boom")
	}, slog.Default())
	c.OnNotice = func(msg string) { noticeCh <- msg }

	c.StartHold()
	time.Sleep(testCfg.HoldDuration + 40*time.Millisecond)

	select {
	case <-noticeCh:
	case <-time.After(time.Second):
		t.Fatal("expected a support notice after claim failure")
	}

	if got := c.State(); got != StateClaimed {
		t.Fatalf("state = %s, want %s (optimistic claim must not revert)", got, StateClaimed)
	}
}

func TestCancelStopsPendingTimers(t *testing.T) {
	var claims atomic.Int32
	c := NewController(testCfg, "pay-1", func(context.Context, string) error {
		claims.Add(1)
		return nil
	}, slog.Default())

	c.StartHold()
	c.Cancel()
	time.Sleep(testCfg.HoldDuration + 40*time.Millisecond)

	if got := c.State(); got != StateIdle {
		t.Fatalf("state = %s, want %s", got, StateIdle)
	}
	if got := claims.Load(); got != 0 {
		t.Fatalf("claims = %d, want 0", got)
	}
}

func TestIntensityRamp(t *testing.T) {
	cases := []struct {
		progress int
		want     Intensity
	}{
		{0, IntensityWeak},
		{24, IntensityWeak},
		{25, IntensityMedium},
		{49, IntensityMedium},
		{50, IntensityStrong},
		{74, IntensityStrong},
		{75, IntensityIntense},
		{100, IntensityIntense},
	}
	for _, tc := range cases {
		if got := IntensityFor(tc.progress); got != tc.want {
			t.Fatalf("IntensityFor(%d) = %s, want %s", tc.progress, got, tc.want)
		}
	}
}
