// Package reward runs the hold-to-confirm claim gesture after a
// successful payment. The claim is optimistic: the controller commits
// to the claimed state the moment the hold completes and reconciles
// the network claim in the background.
package reward

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config holds gesture timing configuration.
type Config struct {
	// HoldDuration is how long the gesture must be held to claim.
	HoldDuration time.Duration `envconfig:"REWARD_HOLD_DURATION" default:"1600ms"`
	// PreviewDuration is the window in which an early release still
	// plays the ramp animation out before resetting.
	PreviewDuration time.Duration `envconfig:"REWARD_PREVIEW_DURATION" default:"450ms"`
}

// State is the gesture state.
type State string

const (
	StateIdle    State = "IDLE"
	StateHolding State = "HOLDING"
	StateClaimed State = "CLAIMED"
)

// Intensity is the haptic/visual ramp level for the current progress.
type Intensity string

const (
	IntensityWeak    Intensity = "WEAK"
	IntensityMedium  Intensity = "MEDIUM"
	IntensityStrong  Intensity = "STRONG"
	IntensityIntense Intensity = "INTENSE"
)

// ClaimFunc performs the background claim request.
type ClaimFunc func(ctx context.Context, paymentID string) error

// Controller owns one reward gesture for one settled payment. All
// timers it creates are cancelled together on release, completion, or
// Cancel.
type Controller struct {
	cfg       Config
	paymentID string
	claim     ClaimFunc
	logger    *slog.Logger

	// OnCelebrate fires once when the hold completes.
	OnCelebrate func()
	// OnNotice surfaces a non-blocking message to the user.
	OnNotice func(message string)

	mu            sync.Mutex
	state         State
	startedAt     time.Time
	completeTimer *time.Timer
	previewTimer  *time.Timer
}

// NewController creates a controller for a settled payment.
func NewController(cfg Config, paymentID string, claim ClaimFunc, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:       cfg,
		paymentID: paymentID,
		claim:     claim,
		logger:    logger,
		state:     StateIdle,
	}
}

// StartHold begins a hold session. Starting while a session is active
// or after the reward is claimed is a no-op.
func (c *Controller) StartHold() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return
	}

	c.state = StateHolding
	c.startedAt = time.Now()
	c.completeTimer = time.AfterFunc(c.cfg.HoldDuration, c.complete)
}

// Release ends the hold before completion. Releases inside the preview
// window let the ramp animate until the window elapses, then reset;
// later releases reset immediately.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateHolding {
		return
	}

	c.stopTimersLocked()

	held := time.Since(c.startedAt)
	if held < c.cfg.PreviewDuration {
		c.previewTimer = time.AfterFunc(c.cfg.PreviewDuration-held, c.previewDone)
		return
	}

	c.state = StateIdle
	c.startedAt = time.Time{}
}

func (c *Controller) previewDone() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A new hold or a completed claim supersedes the pending reset.
	if c.state != StateHolding || c.previewTimer == nil {
		return
	}

	c.previewTimer = nil
	c.state = StateIdle
	c.startedAt = time.Time{}
}

func (c *Controller) complete() {
	c.mu.Lock()
	if c.state != StateHolding {
		c.mu.Unlock()
		return
	}

	c.stopTimersLocked()
	c.state = StateClaimed
	celebrate := c.OnCelebrate
	c.mu.Unlock()

	if celebrate != nil {
		celebrate()
	}

	go c.reconcile()
}

// reconcile issues the background claim. A failure never reverts the
// claimed state the user has already seen; it surfaces a support notice.
func (c *Controller) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.claim(ctx, c.paymentID); err != nil {
		c.logger.Error("reward claim failed after optimistic unlock",
			"payment_id", c.paymentID,
			"error", err,
		)
		c.mu.Lock()
		notice := c.OnNotice
		c.mu.Unlock()
		if notice != nil {
			notice("Your reward is still processing. Contact support if it doesn't arrive.")
		}
		return
	}

	c.logger.Info("reward claim confirmed", "payment_id", c.paymentID)
}

// Cancel stops every pending timer. A claimed reward stays claimed.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimersLocked()
	if c.state == StateHolding {
		c.state = StateIdle
		c.startedAt = time.Time{}
	}
}

func (c *Controller) stopTimersLocked() {
	if c.completeTimer != nil {
		c.completeTimer.Stop()
		c.completeTimer = nil
	}
	if c.previewTimer != nil {
		c.previewTimer.Stop()
		c.previewTimer = nil
	}
}

// State returns the current gesture state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns the ramp progress in percent. During the preview
// window after an early release the ramp keeps advancing.
func (c *Controller) Progress() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClaimed:
		return 100
	case StateIdle:
		return 0
	}

	p := int(time.Since(c.startedAt) * 100 / c.cfg.HoldDuration)
	if p > 100 {
		p = 100
	}
	return p
}

// IntensityFor maps progress to a ramp level in 25% steps.
func IntensityFor(progress int) Intensity {
	switch {
	case progress < 25:
		return IntensityWeak
	case progress < 50:
		return IntensityMedium
	case progress < 75:
		return IntensityStrong
	default:
		return IntensityIntense
	}
}

// Intensity returns the ramp level for the current progress.
func (c *Controller) Intensity() Intensity {
	return IntensityFor(c.Progress())
}
