package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mimamori-ai/mimamori/internal/analysis"
	"github.com/mimamori-ai/mimamori/internal/audio"
	"github.com/mimamori-ai/mimamori/internal/config"
	"github.com/mimamori-ai/mimamori/internal/conversation"
	"github.com/mimamori-ai/mimamori/internal/notify"
	"github.com/mimamori-ai/mimamori/internal/realtime"
	"github.com/mimamori-ai/mimamori/internal/schedule"
	"github.com/mimamori-ai/mimamori/internal/storage"
	"github.com/mimamori-ai/mimamori/internal/summary"
	"github.com/mimamori-ai/mimamori/internal/turn"
)

const sessionInstructions = "あなたは高齢者見守りサービスの優しい話し相手です。" +
	"ゆっくり、はっきり、分かりやすい日本語で話してください。" +
	"一度にひとつのことだけ尋ね、相手の話を最後まで聞いてください。"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	mode := flag.String("mode", "", "override the configured mode (scripted|free|schedule)")
	once := flag.Bool("once", false, "run a single check-in immediately and exit")
	flag.Parse()

	log.Println("mimamori: starting")

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}
	if cfg.OpenAIAPIKey == "" {
		log.Fatal("mimamori: cannot start without an OpenAI API key")
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &app{
		cfg:        cfg,
		store:      store,
		analyzer:   analysis.NewAnalyzer(),
		summarizer: summary.NewOpenAI(cfg.OpenAIAPIKey, cfg.SummaryModel, store),
	}

	if len(cfg.FamilyEmails) > 0 && cfg.GmailSender != "" {
		mailer, mailErr := notify.NewMailer(ctx, cfg.GmailCredsFile, cfg.GmailTokenFile, cfg.GmailSender, cfg.FamilyEmails)
		if mailErr != nil {
			log.Printf("warning: mail notification disabled: %v", mailErr)
		} else {
			app.mailer = mailer
		}
	}

	if cfg.SpreadsheetID != "" {
		sheet, sheetErr := notify.NewSheetLogger(ctx, cfg.SheetCredsFile, cfg.SpreadsheetID)
		if sheetErr != nil {
			log.Printf("warning: sheet log disabled: %v", sheetErr)
		} else if err := sheet.EnsureHeader(ctx); err != nil {
			log.Printf("warning: sheet log disabled: %v", err)
		} else {
			app.sheet = sheet
		}
	}

	if err := audio.Initialize(); err != nil {
		log.Fatalf("audio init failed: %v", err)
	}
	defer audio.Terminate()

	switch {
	case cfg.Mode == config.ModeSchedule && !*once:
		scheduler, schedErr := schedule.New(cfg.CheckinTime)
		if schedErr != nil {
			log.Fatalf("scheduler init failed: %v", schedErr)
		}
		if err := scheduler.Run(ctx, func(runCtx context.Context) {
			if err := app.runSession(runCtx, config.ModeScripted); err != nil {
				log.Printf("check-in failed: %v", err)
			}
		}); err != nil && ctx.Err() == nil {
			log.Fatalf("scheduler stopped: %v", err)
		}
	default:
		sessionMode := cfg.Mode
		if sessionMode == config.ModeSchedule {
			sessionMode = config.ModeScripted
		}
		if err := app.runSession(ctx, sessionMode); err != nil {
			log.Fatalf("check-in failed: %v", err)
		}
	}

	log.Println("mimamori: done")
}

type app struct {
	cfg        config.Config
	store      *storage.SQLiteStore
	analyzer   *analysis.Analyzer
	summarizer *summary.OpenAI
	mailer     *notify.Mailer
	sheet      *notify.SheetLogger
}

// runSession holds one complete check-in: connect, converse, then classify,
// persist, and notify. Finalization runs even when the session ends early on
// Ctrl-C or a dropped connection.
func (a *app) runSession(ctx context.Context, mode string) error {
	client, err := realtime.NewClient(a.cfg.OpenAIAPIKey, realtime.SessionConfig{
		Model:             a.cfg.RealtimeModel,
		Voice:             a.cfg.Voice,
		Instructions:      sessionInstructions,
		VADThreshold:      a.cfg.VADThreshold,
		PrefixPaddingMs:   a.cfg.PrefixPaddingMs,
		SilenceDurationMs: a.cfg.SilenceMs,
		MaxOutputTokens:   a.cfg.MaxOutputTokens,
		Language:          "ja",
	})
	if err != nil {
		return fmt.Errorf("create realtime client: %w", err)
	}

	capture, err := audio.NewCapture()
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	defer func() { _ = capture.Close() }()

	player, err := audio.NewPlayer()
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	defer func() { _ = player.Close() }()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = client.Close() }()

	controller := turn.NewController(turn.Config{
		SpeakingDelay: a.cfg.ParsedSpeakingDelay(),
		Cooldown:      a.cfg.ParsedResponseCooldown(),
	}, client, player)

	listeners := conversation.NewListeners()
	listeners.Add(&consoleListener{})

	runner := conversation.NewRunner(conversation.Config{
		Mode:        mode,
		UserName:    a.cfg.UserName,
		StepTimeout: a.cfg.ParsedStepTimeout(),
	}, controller, a.analyzer, listeners)

	captureCtx, stopCapture := context.WithCancel(ctx)
	defer stopCapture()
	go func() {
		err := capture.Run(captureCtx, uplink{client: client})
		if err != nil && captureCtx.Err() == nil {
			log.Printf("microphone stopped: %v", err)
		}
	}()

	runErr := runner.Run(ctx, client.Events())
	stopCapture()
	_ = client.Close()
	_ = player.Flush()

	a.finalize(runner)
	return runErr
}

// finalize classifies and records the session, then notifies caregivers.
// It deliberately uses a fresh context so a Ctrl-C that ended the session
// does not also abort persistence.
func (a *app) finalize(runner *conversation.Runner) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res := runner.Finalize()
	log.Printf("session ended (%s): status=%s score=%.2f utterances=%d",
		res.EndReason, res.Classification.Safety, res.Classification.EmotionScore, len(res.UserLines))

	id, err := a.store.SaveResult(res)
	if err != nil {
		log.Printf("save conversation failed: %v", err)
		return
	}

	summaryText := res.Classification.Summary
	if refined, err := a.summarizer.Summarize(ctx, id, res.UserLines); err != nil {
		log.Printf("summary refinement failed: %v", err)
		if err := a.store.UpdateSummary(id, summaryText, storage.SummaryFailed); err != nil {
			log.Printf("update summary failed: %v", err)
		}
	} else if refined != "" {
		summaryText = refined
		if err := a.store.UpdateSummary(id, summaryText, storage.SummaryCompleted); err != nil {
			log.Printf("update summary failed: %v", err)
		}
	}

	report := notify.Report{
		UserName:  res.UserName,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
		Safety:    res.Classification.Safety,
		Score:     res.Classification.EmotionScore,
		Keywords:  res.Classification.Keywords,
		Summary:   summaryText,
		UserLines: res.UserLines,
	}

	if should, reason := notify.ShouldNotify(res); should {
		report.Reason = reason
		if a.mailer != nil {
			if err := a.mailer.Send(ctx, report); err != nil {
				log.Printf("mail notification failed: %v", err)
			} else {
				log.Printf("caregivers notified: %s", reason)
			}
		} else {
			log.Printf("notification wanted (%s) but mail is disabled", reason)
		}
	}

	if a.sheet != nil {
		if err := a.sheet.Append(ctx, report, res.AssistantLines); err != nil {
			log.Printf("sheet log failed: %v", err)
		}
	}
}

// uplink adapts the realtime client to the io.Writer the capture loop wants.
type uplink struct {
	client *realtime.Client
}

func (u uplink) Write(p []byte) (int, error) {
	if err := u.client.AppendAudio(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// consoleListener prints the conversation as it happens.
type consoleListener struct{}

func (consoleListener) SessionStarted(userName string, at time.Time) {
	fmt.Fprintf(os.Stdout, "--- %s %sさんの安否確認を開始します ---\n", at.Format("15:04"), userName)
}

func (consoleListener) UserUtterance(u conversation.Utterance) {
	fmt.Fprintf(os.Stdout, "[%s] 本人: %s\n", u.At.Format("15:04:05"), u.Text)
}

func (consoleListener) AssistantUtterance(u conversation.Utterance) {
	fmt.Fprintf(os.Stdout, "[%s] AI:   %s\n", u.At.Format("15:04:05"), u.Text)
}

func (consoleListener) SafetyResult(c analysis.Classification) {
	fmt.Fprintf(os.Stdout, "--- 判定: %s (スコア %.2f) ---\n", c.Safety, c.EmotionScore)
}

func (consoleListener) SessionEnded(duration time.Duration, reason string) {
	fmt.Fprintf(os.Stdout, "--- 終了 (%s, %.1f分) ---\n", reason, duration.Minutes())
}
