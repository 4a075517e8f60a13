// Package analysis scores a finished conversation from keyword heuristics:
// a safety status for caregivers, an emotion score in [-1, 1], detected
// keywords, health indicators, and a short rule-based summary. The ruleset
// is fixed, so identical transcripts always classify identically.
package analysis

import (
	"fmt"
	"strings"
)

// SafetyStatus is the caregiver-facing verdict for one conversation.
type SafetyStatus string

const (
	StatusUnknown        SafetyStatus = "unknown"
	StatusSafe           SafetyStatus = "safe"
	StatusNeedsAttention SafetyStatus = "attention"
	StatusEmergency      SafetyStatus = "emergency"
)

// EmotionCategory is the dominant emotional tone of the user's utterances.
type EmotionCategory string

const (
	EmotionPositive  EmotionCategory = "positive"
	EmotionNeutral   EmotionCategory = "neutral"
	EmotionNegative  EmotionCategory = "negative"
	EmotionAnxious   EmotionCategory = "anxious"
	EmotionDepressed EmotionCategory = "depressed"
	EmotionEnergetic EmotionCategory = "energetic"
)

// Classification is the deterministic result of scoring one transcript.
type Classification struct {
	Safety           SafetyStatus
	EmotionScore     float64
	Category         EmotionCategory
	Confidence       float64
	Keywords         []string
	HealthIndicators map[string]bool
	Summary          string
	NeedsFollowup    bool
}

// Analyzer holds the keyword dictionaries. Use NewAnalyzer for the built-in
// Japanese ruleset.
type Analyzer struct {
	emergencyWords  []string
	negativeWords   []string
	emotionWords    map[EmotionCategory][]string
	healthWords     map[string][]string
	importantWords  []string
	recentUtterance int // how many trailing utterances the emergency scan covers
}

// NewAnalyzer returns an analyzer with the default dictionaries.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		emergencyWords: []string{
			"助けて", "痛い", "苦しい", "息ができない",
			"倒れ", "転んだ", "動けない", "意識",
			"救急車", "病院", "緊急",
		},
		negativeWords: []string{
			"痛い", "痛み", "具合悪い", "調子悪い", "気分悪い",
			"しんどい", "疲れた", "眠れない", "食欲ない",
			"心配", "不安", "寂しい", "悲しい",
		},
		emotionWords: map[EmotionCategory][]string{
			EmotionPositive: {
				"元気", "良い", "大丈夫", "楽しい", "嬉しい", "ありがとう",
				"健康", "調子良い", "気分良い", "満足", "幸せ", "安心",
			},
			EmotionNegative: {
				"痛い", "悪い", "しんどい", "疲れた", "つらい", "困った",
				"調子悪い", "気分悪い", "苦しい", "嫌", "だめ",
			},
			EmotionAnxious: {
				"心配", "不安", "怖い", "緊張", "落ち着かない", "ドキドキ",
				"気になる", "心配性", "不安定",
			},
			EmotionDepressed: {
				"寂しい", "悲しい", "むなしい", "落ち込む", "憂鬱", "やる気ない",
				"つまらない", "絶望", "暗い",
			},
			EmotionEnergetic: {
				"元気", "活発", "やる気", "パワフル", "積極的", "前向き",
				"頑張る", "張り切る", "活動的",
			},
		},
		healthWords: map[string][]string{
			"pain":       {"痛い", "痛み", "ひりひり", "ずきずき", "チクチク"},
			"fatigue":    {"疲れた", "だるい", "しんどい", "疲労"},
			"sleep":      {"眠れない", "不眠", "寝不足", "睡眠", "よく眠れた"},
			"appetite":   {"食欲ない", "食べられない", "おいしい", "食欲"},
			"mobility":   {"歩けない", "動けない", "転んだ", "よく歩いた"},
			"medication": {"薬", "服薬", "飲み忘れ", "薬を飲んだ"},
		},
		importantWords: []string{
			"薬", "病院", "医者", "痛み", "食事", "睡眠",
			"家族", "友達", "散歩", "買い物", "テレビ",
			"元気", "疲れた", "楽しい", "心配",
		},
		recentUtterance: 3,
	}
}

// ContainsEmergency reports whether any of the trailing user utterances
// contains an emergency keyword. The window matches the live scan used
// during the session.
func (a *Analyzer) ContainsEmergency(lines []string) bool {
	start := len(lines) - a.recentUtterance
	if start < 0 {
		start = 0
	}
	recent := strings.Join(lines[start:], " ")
	for _, word := range a.emergencyWords {
		if strings.Contains(recent, word) {
			return true
		}
	}
	return false
}

// HasNegativeWords reports whether text contains a negative-condition
// keyword. Used by the scripted flow to branch the health-check question.
func (a *Analyzer) HasNegativeWords(text string) bool {
	for _, word := range a.negativeWords {
		if strings.Contains(text, word) {
			return true
		}
	}
	return false
}

// Classify scores the user's side of the transcript.
func (a *Analyzer) Classify(lines []string) Classification {
	if len(lines) == 0 {
		return Classification{
			Safety:           StatusUnknown,
			Category:         EmotionNeutral,
			HealthIndicators: map[string]bool{},
			Summary:          "応答なし",
			NeedsFollowup:    true,
		}
	}

	all := strings.Join(lines, " ")

	scores, detected := a.scoreEmotions(all)
	emotionScore := overallScore(scores)
	category := primaryCategory(scores)
	conf := confidence(scores, detected)

	safety := a.safetyStatus(lines)
	needsFollowup := safety == StatusNeedsAttention || safety == StatusEmergency

	return Classification{
		Safety:           safety,
		EmotionScore:     emotionScore,
		Category:         category,
		Confidence:       conf,
		Keywords:         a.extractKeywords(all),
		HealthIndicators: a.healthIndicators(all),
		Summary:          summarize(len(lines), emotionScore),
		NeedsFollowup:    needsFollowup,
	}
}

func (a *Analyzer) safetyStatus(lines []string) SafetyStatus {
	if a.ContainsEmergency(lines) {
		return StatusEmergency
	}
	negative := 0
	for _, line := range lines {
		if a.HasNegativeWords(line) {
			negative++
		}
	}
	if negative >= 1 {
		return StatusNeedsAttention
	}
	return StatusSafe
}

// scoreEmotions counts keyword hits per category, normalized by transcript
// length the way the original ruleset does.
func (a *Analyzer) scoreEmotions(all string) (map[EmotionCategory]float64, []string) {
	totalWords := len(strings.Fields(all))
	norm := float64(totalWords) * 0.1
	if norm < 1 {
		norm = 1
	}

	scores := make(map[EmotionCategory]float64, len(a.emotionWords))
	var detected []string
	for _, category := range []EmotionCategory{
		EmotionPositive, EmotionNegative, EmotionAnxious, EmotionDepressed, EmotionEnergetic,
	} {
		hits := 0
		for _, word := range a.emotionWords[category] {
			if strings.Contains(all, word) {
				hits++
				detected = append(detected, word)
			}
		}
		scores[category] = float64(hits) / norm
	}
	return scores, detected
}

func overallScore(scores map[EmotionCategory]float64) float64 {
	positive := scores[EmotionPositive] + scores[EmotionEnergetic]
	negative := scores[EmotionNegative] + scores[EmotionAnxious] + scores[EmotionDepressed]

	score := positive - negative
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

func primaryCategory(scores map[EmotionCategory]float64) EmotionCategory {
	best := EmotionNeutral
	bestScore := 0.0
	for _, category := range []EmotionCategory{
		EmotionPositive, EmotionNegative, EmotionAnxious, EmotionDepressed, EmotionEnergetic,
	} {
		if scores[category] > bestScore {
			best = category
			bestScore = scores[category]
		}
	}
	if bestScore < 0.1 {
		return EmotionNeutral
	}
	return best
}

func confidence(scores map[EmotionCategory]float64, detected []string) float64 {
	if len(detected) == 0 {
		return 0
	}
	max := 0.0
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	keywordFactor := float64(len(detected)) * 0.2
	if keywordFactor > 1 {
		keywordFactor = 1
	}
	c := max + keywordFactor
	if c > 1 {
		c = 1
	}
	return c
}

func (a *Analyzer) extractKeywords(all string) []string {
	var found []string
	for _, word := range a.importantWords {
		if strings.Contains(all, word) {
			found = append(found, word)
		}
	}
	return found
}

func (a *Analyzer) healthIndicators(all string) map[string]bool {
	indicators := make(map[string]bool, len(a.healthWords))
	for name, words := range a.healthWords {
		hit := false
		for _, word := range words {
			if strings.Contains(all, word) {
				hit = true
				break
			}
		}
		indicators[name] = hit
	}
	return indicators
}

func summarize(responses int, emotionScore float64) string {
	mood := "普通"
	switch {
	case emotionScore > 0.3:
		mood = "良好"
	case emotionScore < -0.3:
		mood = "要注意"
	}
	return fmt.Sprintf("会話応答数: %d, 全体的な調子: %s", responses, mood)
}
