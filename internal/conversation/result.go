package conversation

import (
	"time"

	"github.com/mimamori-ai/mimamori/internal/analysis"
)

// Result is the immutable record of one finished session.
type Result struct {
	UserName       string
	StartedAt      time.Time
	EndedAt        time.Time
	Duration       time.Duration
	EndReason      string
	UserLines      []string
	AssistantLines []string
	Classification analysis.Classification
}

// Finalize classifies the transcript and builds the session result. The
// result is built exactly once; later calls return the same value even if
// more events trickle in afterwards. Safe to call on a partial session.
func (r *Runner) Finalize() Result {
	r.finalizeOnce.Do(func() {
		r.mu.Lock()
		started := r.started
		ended := r.ended
		reason := r.endReason
		if ended.IsZero() {
			ended = r.now()
			r.ended = ended
		}
		r.mu.Unlock()

		userLines := r.transcript.UserLines()
		cls := r.analyzer.Classify(userLines)
		r.listeners.SafetyResult(cls)

		r.result = Result{
			UserName:       r.cfg.UserName,
			StartedAt:      started,
			EndedAt:        ended,
			Duration:       ended.Sub(started),
			EndReason:      reason,
			UserLines:      userLines,
			AssistantLines: r.transcript.AssistantLines(),
			Classification: cls,
		}
	})
	return r.result
}
