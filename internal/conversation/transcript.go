// Package conversation orchestrates one check-in session: it keeps the
// running transcript, drives the scripted or free conversation flow over
// the turn controller, and produces the immutable session result used for
// classification, storage, and caregiver notification.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWaitTimeout is returned by WaitForUser when no new user utterance
// arrives within the wait window.
var ErrWaitTimeout = errors.New("conversation: timed out waiting for reply")

// Utterance is one transcribed line with its arrival time.
type Utterance struct {
	Text string
	At   time.Time
}

// Transcript holds the user and assistant utterance sequences for one
// session. Both sequences are append-only and ordered by arrival.
type Transcript struct {
	mu        sync.Mutex
	user      []Utterance
	assistant []Utterance
	userWake  chan struct{}
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{userWake: make(chan struct{})}
}

// AppendUser records a user utterance and wakes any WaitForUser caller.
func (t *Transcript) AppendUser(text string, at time.Time) {
	t.mu.Lock()
	t.user = append(t.user, Utterance{Text: text, At: at})
	close(t.userWake)
	t.userWake = make(chan struct{})
	t.mu.Unlock()
}

// AppendAssistant records an assistant utterance.
func (t *Transcript) AppendAssistant(text string, at time.Time) {
	t.mu.Lock()
	t.assistant = append(t.assistant, Utterance{Text: text, At: at})
	t.mu.Unlock()
}

// UserCount returns the number of user utterances recorded so far.
func (t *Transcript) UserCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.user)
}

// User returns a copy of the user utterance sequence.
func (t *Transcript) User() []Utterance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Utterance, len(t.user))
	copy(out, t.user)
	return out
}

// Assistant returns a copy of the assistant utterance sequence.
func (t *Transcript) Assistant() []Utterance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Utterance, len(t.assistant))
	copy(out, t.assistant)
	return out
}

// UserLines returns the user utterance texts in order.
func (t *Transcript) UserLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := make([]string, len(t.user))
	for i, u := range t.user {
		lines[i] = u.Text
	}
	return lines
}

// AssistantLines returns the assistant utterance texts in order.
func (t *Transcript) AssistantLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := make([]string, len(t.assistant))
	for i, u := range t.assistant {
		lines[i] = u.Text
	}
	return lines
}

// WaitForUser blocks until a user utterance beyond index after exists, then
// returns the first such utterance. It wakes on append rather than polling.
// Returns ErrWaitTimeout when the window elapses first.
func (t *Transcript) WaitForUser(ctx context.Context, after int, timeout time.Duration) (Utterance, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if len(t.user) > after {
			u := t.user[after]
			t.mu.Unlock()
			return u, nil
		}
		wake := t.userWake
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return Utterance{}, ctx.Err()
		case <-deadline.C:
			return Utterance{}, ErrWaitTimeout
		case <-wake:
		}
	}
}
