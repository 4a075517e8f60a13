package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mimamori-ai/mimamori/internal/analysis"
	"github.com/mimamori-ai/mimamori/internal/realtime"
	"github.com/mimamori-ai/mimamori/internal/turn"
)

// Drive modes. Scripted walks a fixed check-in script; free responds to
// whatever the user says until they say goodbye.
const (
	ModeScripted = "scripted"
	ModeFree     = "free"
)

// closingGrace gives the farewell response time to play out before the
// session is torn down.
const closingGrace = 5 * time.Second

var exitKeywords = []string{"終わり", "おしまい", "さようなら", "バイバイ"}

// Turns is the slice of the turn controller the runner drives.
type Turns interface {
	RequestResponse(ctx context.Context, instructions string) error
	CancelActive() error
	OnSpeechStarted()
	OnResponseCreated(id string)
	OnAudioDelta(id string, frame []byte) error
	OnResponseDone(id string)
	Reset()
}

// Config tunes one session.
type Config struct {
	Mode        string
	UserName    string
	StepTimeout time.Duration
}

// Runner drives one check-in session over an already-connected transport:
// it pumps inbound events into the turn controller and the transcript, and
// walks the conversation flow for the configured mode.
type Runner struct {
	cfg        Config
	turns      Turns
	analyzer   *analysis.Analyzer
	transcript *Transcript
	listeners  *Listeners

	now   func() time.Time
	grace time.Duration

	mu        sync.Mutex
	started   time.Time
	ended     time.Time
	endReason string
	done      chan struct{}

	finalizeOnce sync.Once
	result       Result
}

// NewRunner creates a runner for one session. A runner is single-use.
func NewRunner(cfg Config, turns Turns, analyzer *analysis.Analyzer, listeners *Listeners) *Runner {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Second
	}
	if listeners == nil {
		listeners = NewListeners()
	}
	return &Runner{
		cfg:        cfg,
		turns:      turns,
		analyzer:   analyzer,
		transcript: NewTranscript(),
		listeners:  listeners,
		now:        time.Now,
		grace:      closingGrace,
		done:       make(chan struct{}),
	}
}

// Transcript exposes the session transcript.
func (r *Runner) Transcript() *Transcript {
	return r.transcript
}

// Done is closed when the session has ended for any reason.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Run drives the session until the script completes, the user says goodbye,
// an emergency keyword is heard, the transport closes, or ctx is cancelled.
// The caller owns the transport and closes it after Run returns.
func (r *Runner) Run(ctx context.Context, events <-chan realtime.Event) error {
	r.mu.Lock()
	r.started = r.now()
	r.mu.Unlock()
	r.listeners.SessionStarted(r.cfg.UserName, r.started)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-r.done
		cancel()
	}()

	go r.pump(runCtx, events)

	switch r.cfg.Mode {
	case ModeFree:
		r.runFree(runCtx)
	default:
		r.runScripted(runCtx)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.signalEnd("interrupted")
	}

	r.turns.Reset()

	r.mu.Lock()
	duration := r.ended.Sub(r.started)
	reason := r.endReason
	r.mu.Unlock()
	r.listeners.SessionEnded(duration, reason)
	return nil
}

// pump dispatches inbound transport events until the channel closes.
func (r *Runner) pump(ctx context.Context, events <-chan realtime.Event) {
	for ev := range events {
		switch ev.Type {
		case realtime.EventSpeechStarted:
			r.turns.OnSpeechStarted()
		case realtime.EventResponseCreated:
			r.turns.OnResponseCreated(ev.ResponseID)
		case realtime.EventAudioDelta:
			if err := r.turns.OnAudioDelta(ev.ResponseID, ev.Audio); err != nil {
				log.Printf("conversation: audio playback: %v", err)
			}
		case realtime.EventResponseDone:
			r.turns.OnResponseDone(ev.ResponseID)
		case realtime.EventTranscriptionCompleted:
			r.onUserTranscript(ctx, ev.Transcript)
		case realtime.EventTranscriptionFailed:
			log.Printf("conversation: transcription failed: %v", ev.Err)
			go r.requestResponse(ctx, fallbackInstructions)
		case realtime.EventAudioTranscriptDone:
			text := strings.TrimSpace(ev.Transcript)
			if text == "" {
				continue
			}
			u := Utterance{Text: text, At: r.now()}
			r.transcript.AppendAssistant(u.Text, u.At)
			r.listeners.AssistantUtterance(u)
		case realtime.EventError:
			log.Printf("conversation: service error: %v", ev.Err)
		case realtime.EventClosed:
			if ev.Err != nil {
				log.Printf("conversation: connection lost: %v", ev.Err)
			}
			r.signalEnd("connection closed")
		}
	}
}

func (r *Runner) onUserTranscript(ctx context.Context, raw string) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return
	}
	u := Utterance{Text: text, At: r.now()}
	r.transcript.AppendUser(u.Text, u.At)
	r.listeners.UserUtterance(u)

	if r.analyzer.ContainsEmergency(r.transcript.UserLines()) {
		log.Printf("conversation: emergency keyword heard: %q", text)
		if err := r.turns.CancelActive(); err != nil {
			log.Printf("conversation: cancel active response: %v", err)
		}
		r.signalEnd("emergency detected")
		return
	}

	if r.cfg.Mode == ModeFree {
		if containsExitKeyword(text) {
			r.signalEnd("user farewell")
			return
		}
		go r.requestResponse(ctx, freeInstructions)
	}
}

// requestResponse asks for one response, treating a busy turn as a dropped
// trigger rather than an error.
func (r *Runner) requestResponse(ctx context.Context, instructions string) {
	err := r.turns.RequestResponse(ctx, instructions)
	switch {
	case err == nil:
	case errors.Is(err, turn.ErrResponseActive):
		log.Printf("conversation: response already active, trigger dropped")
	case errors.Is(err, turn.ErrCancelled), errors.Is(err, context.Canceled):
	default:
		log.Printf("conversation: request response: %v", err)
	}
}

func (r *Runner) runFree(ctx context.Context) {
	r.requestResponse(ctx, greetingInstructions(r.cfg.UserName, r.now()))
	<-ctx.Done()
}

type scriptStep struct {
	name         string
	wait         bool
	instructions func(prev string) string
}

func (r *Runner) runScripted(ctx context.Context) {
	prev := ""
	for _, step := range r.scriptSteps() {
		select {
		case <-r.done:
			return
		default:
		}

		before := r.transcript.UserCount()
		if err := r.turns.RequestResponse(ctx, step.instructions(prev)); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, turn.ErrCancelled) {
				return
			}
			log.Printf("conversation: step %s: %v", step.name, err)
		}
		if !step.wait {
			continue
		}

		u, err := r.transcript.WaitForUser(ctx, before, r.cfg.StepTimeout)
		if errors.Is(err, ErrWaitTimeout) {
			log.Printf("conversation: step %s: no reply within %s", step.name, r.cfg.StepTimeout)
			prev = ""
			continue
		}
		if err != nil {
			return
		}
		prev = u.Text
	}

	// Let the farewell play out before tearing the session down.
	sleepCtx(ctx, r.grace)
	r.signalEnd("script completed")
}

func (r *Runner) scriptSteps() []scriptStep {
	name := r.cfg.UserName
	greeting := timeGreeting(r.now())

	return []scriptStep{
		{
			name: "greeting",
			wait: true,
			instructions: func(string) string {
				return fmt.Sprintf(
					"「%s、%sさん」と明るく挨拶して、今日の調子はいかがですかと優しく尋ねてください。", greeting, name)
			},
		},
		{
			name: "health",
			wait: true,
			instructions: func(prev string) string {
				if prev != "" && r.analyzer.HasNegativeWords(prev) {
					return "体調が優れないようです。どこがどのようにつらいのか、心配している気持ちを込めて詳しく聞いてください。"
				}
				return "今日の体調について、食事や睡眠の様子にも触れながら優しく尋ねてください。"
			},
		},
		{
			name: "mood",
			wait: true,
			instructions: func(string) string {
				return "今日の気分はいかがか、優しく尋ねてください。"
			},
		},
		{
			name: "daily",
			wait: true,
			instructions: func(string) string {
				return "今日あったことや、これからの予定について、楽しい話題になるよう尋ねてください。"
			},
		},
		{
			name: "closing",
			wait: false,
			instructions: func(string) string {
				return fmt.Sprintf(
					"%sさんとの会話を締めくくってください。今日話せて嬉しかったこと、また明日お話ししましょうということを温かく伝えてください。", name)
			},
		},
	}
}

func (r *Runner) signalEnd(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	r.ended = r.now()
	r.endReason = reason
	close(r.done)
}

const freeInstructions = "相手は高齢の方です。発言に短く温かく応答し、ゆっくり分かりやすい言葉で話してください。"

const fallbackInstructions = "うまく聞き取れなかったことを伝えて、もう一度ゆっくり話してもらえるよう優しくお願いしてください。"

func greetingInstructions(name string, now time.Time) string {
	return fmt.Sprintf("「%s、%sさん」と明るく挨拶して、今日の様子を優しく尋ねてください。", timeGreeting(now), name)
}

func timeGreeting(now time.Time) string {
	switch h := now.Hour(); {
	case h < 10:
		return "おはようございます"
	case h < 18:
		return "こんにちは"
	default:
		return "こんばんは"
	}
}

func containsExitKeyword(text string) bool {
	for _, w := range exitKeywords {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
