package notify

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const sheetName = "安否確認記録"

var sheetHeader = []interface{}{
	"日時", "ユーザー名", "会話時間(分)", "安否ステータス", "感情スコア",
	"キーワード", "要約", "フォローアップ", "ユーザー発言", "AI応答",
}

// SheetLogger appends one row per conversation to a shared spreadsheet.
type SheetLogger struct {
	service       *sheets.Service
	spreadsheetID string
}

// NewSheetLogger builds a logger from a service-account credentials file.
func NewSheetLogger(ctx context.Context, credPath, spreadsheetID string) (*SheetLogger, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read sheets credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithParams(ctx, creds,
		google.CredentialsParams{Scopes: []string{sheets.SpreadsheetsScope}})
	if err != nil {
		return nil, fmt.Errorf("parse sheets credentials: %w", err)
	}

	svc, err := sheets.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return NewSheetLoggerWithService(svc, spreadsheetID), nil
}

// NewSheetLoggerWithService wires an already-built service. Used by tests.
func NewSheetLoggerWithService(service *sheets.Service, spreadsheetID string) *SheetLogger {
	return &SheetLogger{service: service, spreadsheetID: spreadsheetID}
}

// EnsureHeader writes the column header row when the sheet is still empty.
func (l *SheetLogger) EnsureHeader(ctx context.Context) error {
	resp, err := l.service.Spreadsheets.Values.
		Get(l.spreadsheetID, sheetName+"!A1:J1").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read sheet header: %w", err)
	}
	if len(resp.Values) > 0 {
		return nil
	}

	_, err = l.service.Spreadsheets.Values.
		Append(l.spreadsheetID, sheetName+"!A1", &sheets.ValueRange{
			Values: [][]interface{}{sheetHeader},
		}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write sheet header: %w", err)
	}
	return nil
}

// Append logs one conversation report as a row.
func (l *SheetLogger) Append(ctx context.Context, report Report, assistantLines []string) error {
	followup := "いいえ"
	if report.Reason != "" {
		followup = "はい"
	}

	row := []interface{}{
		report.StartedAt.Format("2006-01-02 15:04"),
		report.UserName,
		fmt.Sprintf("%.1f", report.Duration.Minutes()),
		statusLabel(string(report.Safety)),
		fmt.Sprintf("%.2f", report.Score),
		strings.Join(report.Keywords, "、"),
		report.Summary,
		followup,
		truncateRunes(strings.Join(report.UserLines, " | "), 500),
		truncateRunes(strings.Join(assistantLines, " | "), 500),
	}

	_, err := l.service.Spreadsheets.Values.
		Append(l.spreadsheetID, sheetName+"!A:J", &sheets.ValueRange{
			Values: [][]interface{}{row},
		}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append sheet row: %w", err)
	}
	return nil
}
