package conversation

import (
	"sync"
	"time"

	"github.com/mimamori-ai/mimamori/internal/analysis"
)

// Listener observes the session as it unfolds. All methods are called from
// the runner's goroutines; implementations must not block.
type Listener interface {
	SessionStarted(userName string, at time.Time)
	UserUtterance(u Utterance)
	AssistantUtterance(u Utterance)
	SafetyResult(c analysis.Classification)
	SessionEnded(duration time.Duration, reason string)
}

// Listeners fans session events out to every registered Listener.
type Listeners struct {
	mu  sync.RWMutex
	all []Listener
}

// NewListeners returns an empty fan-out.
func NewListeners() *Listeners {
	return &Listeners{}
}

// Add registers a listener. Not safe to call once the session is running.
func (l *Listeners) Add(listener Listener) {
	l.mu.Lock()
	l.all = append(l.all, listener)
	l.mu.Unlock()
}

func (l *Listeners) SessionStarted(userName string, at time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, listener := range l.all {
		listener.SessionStarted(userName, at)
	}
}

func (l *Listeners) UserUtterance(u Utterance) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, listener := range l.all {
		listener.UserUtterance(u)
	}
}

func (l *Listeners) AssistantUtterance(u Utterance) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, listener := range l.all {
		listener.AssistantUtterance(u)
	}
}

func (l *Listeners) SafetyResult(c analysis.Classification) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, listener := range l.all {
		listener.SafetyResult(c)
	}
}

func (l *Listeners) SessionEnded(duration time.Duration, reason string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, listener := range l.all {
		listener.SessionEnded(duration, reason)
	}
}
