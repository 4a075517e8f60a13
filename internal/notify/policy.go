// Package notify delivers conversation results to caregivers: a Gmail
// message when the result warrants attention, and one row per conversation
// in a shared Google Sheets log.
package notify

import (
	"strings"

	"github.com/mimamori-ai/mimamori/internal/analysis"
	"github.com/mimamori-ai/mimamori/internal/conversation"
)

// ShouldNotify decides whether a result warrants a caregiver email and
// returns the joined reasons when it does. The sheet log gets every
// conversation regardless.
func ShouldNotify(res conversation.Result) (bool, string) {
	var reasons []string

	switch res.Classification.Safety {
	case analysis.StatusEmergency:
		reasons = append(reasons, "緊急キーワードを検出")
	case analysis.StatusNeedsAttention:
		reasons = append(reasons, "体調・気分に関する訴えあり")
	case analysis.StatusUnknown:
		reasons = append(reasons, "応答が確認できませんでした")
	}

	switch res.Classification.Category {
	case analysis.EmotionNegative, analysis.EmotionAnxious, analysis.EmotionDepressed:
		reasons = append(reasons, "ネガティブな感情傾向")
	}

	if res.Classification.EmotionScore < -0.5 {
		reasons = append(reasons, "感情スコアの低下")
	}

	if res.Classification.NeedsFollowup && len(reasons) == 0 {
		reasons = append(reasons, "フォローアップ推奨")
	}

	if len(reasons) == 0 {
		return false, ""
	}
	return true, strings.Join(reasons, "、")
}

// statusLabel localizes a safety status for caregiver-facing output.
func statusLabel(status string) string {
	switch analysis.SafetyStatus(status) {
	case analysis.StatusSafe:
		return "安全"
	case analysis.StatusNeedsAttention:
		return "要注意"
	case analysis.StatusEmergency:
		return "緊急"
	default:
		return "不明"
	}
}

// subjectPrefix picks the severity marker for the email subject.
func subjectPrefix(status analysis.SafetyStatus) string {
	switch status {
	case analysis.StatusEmergency:
		return "【緊急】"
	case analysis.StatusNeedsAttention:
		return "【要確認】"
	default:
		return "【見守り】"
	}
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
