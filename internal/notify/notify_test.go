package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/mimamori-ai/mimamori/internal/analysis"
	"github.com/mimamori-ai/mimamori/internal/conversation"
)

func safeResult() conversation.Result {
	return conversation.Result{
		UserName:  "花子",
		StartedAt: time.Date(2026, 8, 30, 9, 0, 0, 0, time.Local),
		Duration:  3 * time.Minute,
		UserLines: []string{"元気です"},
		Classification: analysis.Classification{
			Safety:       analysis.StatusSafe,
			EmotionScore: 0.5,
			Category:     analysis.EmotionPositive,
			Summary:      "穏やかに過ごされています。",
		},
	}
}

func TestShouldNotifySkipsSafeResult(t *testing.T) {
	notify, reason := ShouldNotify(safeResult())
	if notify {
		t.Fatalf("did not expect notification for a safe result, reason %q", reason)
	}
}

func TestShouldNotifyOnEmergency(t *testing.T) {
	res := safeResult()
	res.Classification.Safety = analysis.StatusEmergency
	res.Classification.NeedsFollowup = true

	notify, reason := ShouldNotify(res)
	if !notify {
		t.Fatal("expected notification for emergency")
	}
	if !strings.Contains(reason, "緊急") {
		t.Errorf("expected emergency reason, got %q", reason)
	}
}

func TestShouldNotifyJoinsReasons(t *testing.T) {
	res := safeResult()
	res.Classification.Safety = analysis.StatusNeedsAttention
	res.Classification.Category = analysis.EmotionDepressed
	res.Classification.EmotionScore = -0.8

	notify, reason := ShouldNotify(res)
	if !notify {
		t.Fatal("expected notification")
	}
	if !strings.Contains(reason, "、") {
		t.Errorf("expected joined reasons, got %q", reason)
	}
}

func TestShouldNotifyOnLowScoreAlone(t *testing.T) {
	res := safeResult()
	res.Classification.EmotionScore = -0.6
	res.Classification.Category = analysis.EmotionNeutral

	notify, reason := ShouldNotify(res)
	if !notify {
		t.Fatal("expected notification for a low emotion score")
	}
	if !strings.Contains(reason, "感情スコア") {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestShouldNotifyOnEmptyTranscript(t *testing.T) {
	res := safeResult()
	res.UserLines = nil
	res.Classification.Safety = analysis.StatusUnknown
	res.Classification.NeedsFollowup = true

	notify, reason := ShouldNotify(res)
	if !notify {
		t.Fatal("expected notification when no response was heard")
	}
	if !strings.Contains(reason, "応答") {
		t.Errorf("unexpected reason %q", reason)
	}
}

func TestMailerSendsOneMessagePerRecipient(t *testing.T) {
	var mu sync.Mutex
	var raws []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/messages/send") {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		var msg gmail.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Fatalf("decode send request: %v", err)
		}
		mu.Lock()
		raws = append(raws, msg.Raw)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(gmail.Message{Id: "m1"})
	}))
	defer server.Close()

	svc, err := gmail.NewService(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("create gmail service: %v", err)
	}

	mailer := NewMailerWithService(svc, "mimamori@example.com",
		[]string{"kazoku1@example.com", "kazoku2@example.com"})

	report := Report{
		UserName:  "花子",
		StartedAt: time.Date(2026, 8, 30, 9, 0, 0, 0, time.Local),
		Duration:  2 * time.Minute,
		Safety:    analysis.StatusNeedsAttention,
		Score:     -0.4,
		Summary:   "体調の訴えがありました。",
		Reason:    "体調・気分に関する訴えあり",
		UserLines: []string{"少し調子悪いです"},
	}
	if err := mailer.Send(context.Background(), report); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(raws) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(raws))
	}

	decoded, err := base64.URLEncoding.DecodeString(raws[0])
	if err != nil {
		t.Fatalf("decode raw message: %v", err)
	}
	text := string(decoded)
	if !strings.Contains(text, "To: kazoku1@example.com") {
		t.Errorf("expected first recipient in headers, got:\n%s", text)
	}
	if !strings.Contains(text, "体調の訴えがありました。") {
		t.Errorf("expected summary in body, got:\n%s", text)
	}
}

func TestSheetLoggerAppendsTenColumnRow(t *testing.T) {
	var appended [][]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(sheets.ValueRange{})
		case strings.Contains(r.URL.Path, ":append"):
			var vr sheets.ValueRange
			if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
				t.Fatalf("decode append request: %v", err)
			}
			appended = append(appended, vr.Values...)
			_ = json.NewEncoder(w).Encode(sheets.AppendValuesResponse{})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	svc, err := sheets.NewService(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("create sheets service: %v", err)
	}

	logger := NewSheetLoggerWithService(svc, "spreadsheet-1")
	if err := logger.EnsureHeader(context.Background()); err != nil {
		t.Fatalf("EnsureHeader failed: %v", err)
	}

	report := Report{
		UserName:  "花子",
		StartedAt: time.Date(2026, 8, 30, 9, 0, 0, 0, time.Local),
		Duration:  90 * time.Second,
		Safety:    analysis.StatusSafe,
		Score:     0.5,
		Keywords:  []string{"元気", "散歩"},
		Summary:   "穏やかに過ごされています。",
		UserLines: []string{"元気です", "散歩しました"},
	}
	if err := logger.Append(context.Background(), report, []string{"それは良かったです"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if len(appended) != 2 {
		t.Fatalf("expected header and data rows, got %d", len(appended))
	}
	if len(appended[0]) != 10 || len(appended[1]) != 10 {
		t.Fatalf("expected 10 columns per row, got %d and %d", len(appended[0]), len(appended[1]))
	}
	if appended[1][3] != "安全" {
		t.Errorf("expected localized status, got %v", appended[1][3])
	}
	if appended[1][2] != "1.5" {
		t.Errorf("expected duration in minutes, got %v", appended[1][2])
	}
}

func TestSheetLoggerSkipsHeaderWhenPresent(t *testing.T) {
	var appends int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(sheets.ValueRange{
				Values: [][]interface{}{{"日時"}},
			})
		case strings.Contains(r.URL.Path, ":append"):
			appends++
			_ = json.NewEncoder(w).Encode(sheets.AppendValuesResponse{})
		}
	}))
	defer server.Close()

	svc, err := sheets.NewService(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("create sheets service: %v", err)
	}

	logger := NewSheetLoggerWithService(svc, "spreadsheet-1")
	if err := logger.EnsureHeader(context.Background()); err != nil {
		t.Fatalf("EnsureHeader failed: %v", err)
	}
	if appends != 0 {
		t.Fatalf("expected no append for existing header, got %d", appends)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("あいうえお", 3); got != "あいう…" {
		t.Errorf("unexpected truncation: %q", got)
	}
	if got := truncateRunes("short", 10); got != "short" {
		t.Errorf("expected unchanged string, got %q", got)
	}
}
