package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mimamori-ai/mimamori/internal/analysis"
)

// Mailer sends caregiver alert emails through the Gmail API, one message
// per recipient.
type Mailer struct {
	service    *gmail.Service
	sender     string
	recipients []string
}

// NewMailer builds a Mailer from an OAuth client-credentials file and a
// previously obtained token file.
func NewMailer(ctx context.Context, credPath, tokenPath, sender string, recipients []string) (*Mailer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}

	config, err := google.ConfigFromJSON(creds, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}

	tokenData, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read gmail token: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenData, &token); err != nil {
		return nil, fmt.Errorf("parse gmail token: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(config.Client(ctx, &token)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	return NewMailerWithService(svc, sender, recipients), nil
}

// NewMailerWithService wires an already-built service. Used by tests.
func NewMailerWithService(service *gmail.Service, sender string, recipients []string) *Mailer {
	return &Mailer{service: service, sender: sender, recipients: recipients}
}

// Send delivers the alert for one conversation to every recipient. The
// first failure aborts the remaining sends.
func (m *Mailer) Send(ctx context.Context, report Report) error {
	subject := fmt.Sprintf("%s安否確認レポート - %s(%sさん)",
		subjectPrefix(report.Safety),
		report.StartedAt.Format("2006-01-02"),
		report.UserName,
	)
	body := report.Body()

	for _, to := range m.recipients {
		raw := encodeMessage(m.sender, to, subject, body)
		if _, err := m.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do(); err != nil {
			return fmt.Errorf("send mail to %s: %w", to, err)
		}
	}
	return nil
}

// encodeMessage builds the base64url RFC 2822 payload the Gmail API expects.
func encodeMessage(from, to, subject, body string) string {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("UTF-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

// Report is the caregiver-facing view of one conversation result.
type Report struct {
	UserName  string
	StartedAt time.Time
	Duration  time.Duration
	Safety    analysis.SafetyStatus
	Score     float64
	Keywords  []string
	Summary   string
	Reason    string
	UserLines []string
}

// Body renders the plain-text email body.
func (r Report) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%sさんの安否確認結果をお知らせします。\n\n", r.UserName)
	fmt.Fprintf(&b, "日時: %s\n", r.StartedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "会話時間: %.1f分\n", r.Duration.Minutes())
	fmt.Fprintf(&b, "安否ステータス: %s\n", statusLabel(string(r.Safety)))
	fmt.Fprintf(&b, "感情スコア: %.2f\n", r.Score)
	if len(r.Keywords) > 0 {
		fmt.Fprintf(&b, "キーワード: %s\n", strings.Join(r.Keywords, "、"))
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, "通知理由: %s\n", r.Reason)
	}
	fmt.Fprintf(&b, "\n要約:\n%s\n", r.Summary)
	if len(r.UserLines) > 0 {
		fmt.Fprintf(&b, "\nご本人の発言(抜粋):\n%s\n",
			truncateRunes(strings.Join(r.UserLines, "\n"), 500))
	}
	return b.String()
}
