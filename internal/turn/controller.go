// Package turn owns the response lifecycle for one realtime session: at most
// one response is ever active, playback of the first audio delta is held back
// by a speaking delay, a cooldown window separates consecutive responses, and
// a cancelled response's remaining audio is dropped rather than rendered.
package turn

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrResponseActive is returned by RequestResponse while a response is
	// already in flight. The request is rejected, never queued.
	ErrResponseActive = errors.New("turn: response already in progress")

	// ErrCancelled is returned by RequestResponse when the reserved turn was
	// cancelled while waiting out the cooldown window.
	ErrCancelled = errors.New("turn: cancelled while waiting for cooldown")
)

// Sender issues response commands to the remote service.
type Sender interface {
	CreateResponse(instructions string) error
	CancelResponse(id string) error
}

// Renderer plays one chunk of response audio.
type Renderer interface {
	Play(frame []byte) error
}

// State is the controller's position in the response lifecycle.
type State int

const (
	// StateIdle means no response is active.
	StateIdle State = iota
	// StateAwaitingDelay means a response is active but its first audio
	// delta has not yet been rendered.
	StateAwaitingDelay
	// StateResponding means response audio is being rendered.
	StateResponding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingDelay:
		return "awaiting-delay"
	case StateResponding:
		return "responding"
	default:
		return "unknown"
	}
}

// Config tunes the turn-taking policy.
type Config struct {
	// SpeakingDelay is the pause inserted before the first audio delta of
	// each response is rendered. Gives the listener time to finish
	// processing the previous turn.
	SpeakingDelay time.Duration
	// Cooldown is the minimum gap between one response finishing and the
	// next response.create being sent.
	Cooldown time.Duration
}

func (c *Config) withDefaults() {
	if c.SpeakingDelay <= 0 {
		c.SpeakingDelay = time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Second
	}
}

// Controller is the turn/response state machine. All transitions are
// serialized by one mutex; events and calls may arrive from any goroutine.
type Controller struct {
	cfg      Config
	sender   Sender
	renderer Renderer

	mu            sync.Mutex
	state         State
	responseID    string // empty until the remote assigns one
	suppressed    bool
	cancelNext    bool // cancel was requested before an id was known
	cancelled     map[string]struct{}
	cooldownUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController creates an idle controller.
func NewController(cfg Config, sender Sender, renderer Renderer) *Controller {
	cfg.withDefaults()
	return &Controller{
		cfg:       cfg,
		sender:    sender,
		renderer:  renderer,
		cancelled: make(map[string]struct{}),
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CooldownUntil returns the timestamp before which no new response.create
// will be sent.
func (c *Controller) CooldownUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownUntil
}

// RequestResponse sends a response.create for the given instructions. It is
// rejected with ErrResponseActive while a response is in flight. If the
// cooldown window has not elapsed the caller is suspended until it has; the
// turn is reserved before the wait so a racing second caller is rejected
// rather than queued.
func (c *Controller) RequestResponse(ctx context.Context, instructions string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrResponseActive
	}
	wait := c.cooldownUntil.Sub(c.now())
	c.state = StateAwaitingDelay
	c.responseID = ""
	c.suppressed = false
	c.mu.Unlock()

	if wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			c.release()
			return err
		}
	}

	c.mu.Lock()
	if c.state != StateAwaitingDelay {
		// The reservation is gone and no create was ever sent, so a cancel
		// flagged against it has no remote response to match.
		c.cancelNext = false
		c.suppressed = false
		c.mu.Unlock()
		return ErrCancelled
	}
	c.mu.Unlock()

	if err := c.sender.CreateResponse(instructions); err != nil {
		c.release()
		return err
	}
	return nil
}

// release undoes a turn reservation that never produced a response. Any
// cancel flagged against the dead reservation is cleared with it.
func (c *Controller) release() {
	c.mu.Lock()
	if c.state == StateAwaitingDelay && c.responseID == "" {
		c.state = StateIdle
	}
	c.cancelNext = false
	c.suppressed = false
	c.mu.Unlock()
}

// OnSpeechStarted handles server-side voice activity detection firing while
// the session is live. User speech never interrupts an active response by
// itself; barge-in is an explicit policy decision via CancelActive.
func (c *Controller) OnSpeechStarted() {
	c.mu.Lock()
	active := c.state != StateIdle
	c.mu.Unlock()

	if active {
		log.Printf("turn: speech detected during active response; not interrupting")
	}
}

// OnResponseCreated records the remote-assigned id for the active turn. If a
// cancel was requested before the id was known, the response is cancelled
// immediately instead of activating.
func (c *Controller) OnResponseCreated(id string) {
	c.mu.Lock()
	if c.cancelNext {
		c.cancelNext = false
		if id != "" {
			c.cancelled[id] = struct{}{}
		}
		c.mu.Unlock()
		if id != "" {
			if err := c.sender.CancelResponse(id); err != nil {
				log.Printf("turn: cancel of pre-cancelled response %s failed: %v", id, err)
			}
		}
		return
	}
	c.state = StateAwaitingDelay
	c.responseID = id
	c.suppressed = false
	c.mu.Unlock()
}

// OnAudioDelta renders one chunk of response audio. The first delta of a
// turn is held back by the speaking delay; suppressed or cancelled audio is
// dropped, never buffered for later.
func (c *Controller) OnAudioDelta(id string, frame []byte) error {
	c.mu.Lock()
	if c.dropLocked(id) {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateAwaitingDelay {
		delay := c.cfg.SpeakingDelay
		c.mu.Unlock()
		if err := c.sleep(context.Background(), delay); err != nil {
			return err
		}
		c.mu.Lock()
		if c.dropLocked(id) {
			c.mu.Unlock()
			return nil
		}
		c.state = StateResponding
	}
	c.mu.Unlock()

	return c.renderer.Play(frame)
}

func (c *Controller) dropLocked(id string) bool {
	if id != "" {
		if _, ok := c.cancelled[id]; ok {
			return true
		}
	}
	return c.suppressed || c.state == StateIdle
}

// OnResponseDone closes the active turn and opens the cooldown window. A
// late done for a cancelled turn is a no-op: the turn was already closed
// locally and the window must not be updated twice.
func (c *Controller) OnResponseDone(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id != "" {
		if _, ok := c.cancelled[id]; ok {
			delete(c.cancelled, id)
			return
		}
	}
	if c.state == StateIdle {
		return
	}
	if id != "" && c.responseID != "" && id != c.responseID {
		return
	}

	c.state = StateIdle
	c.responseID = ""
	c.suppressed = false
	c.cooldownUntil = c.now().Add(c.cfg.Cooldown)
}

// CancelActive cancels the in-flight response, if any. The suppression takes
// effect locally before the remote confirms: the state machine transitions
// to idle at once and the eventual response.done for the cancelled id is
// ignored.
func (c *Controller) CancelActive() error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.suppressed = true
	id := c.responseID
	if id != "" {
		c.cancelled[id] = struct{}{}
	} else {
		c.cancelNext = true
	}
	c.state = StateIdle
	c.responseID = ""
	c.mu.Unlock()

	if id != "" {
		if err := c.sender.CancelResponse(id); err != nil {
			return err
		}
	}
	return nil
}

// Reset returns the controller to idle, e.g. when the session closes. The
// cooldown window is preserved.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.responseID = ""
	c.suppressed = false
	c.cancelNext = false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
