// Package summary rewrites the rule-based conversation summary into a few
// caregiver-friendly sentences with a chat model. It is best-effort: any
// failure leaves the rule-based summary in place.
package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

// minTranscriptRunes is the shortest transcript worth sending to the model.
const minTranscriptRunes = 20

const systemPrompt = "あなたは高齢者見守りサービスのスタッフです。以下の会話記録をもとに、" +
	"ご家族に伝える安否報告を2〜3文の日本語で書いてください。体調・気分・気になる点を簡潔に伝えてください。"

type IdempotencyStore interface {
	ClaimSummaryRequest(conversationID, promptHash string) (bool, error)
}

type OpenAI struct {
	client *openai.Client
	model  string
	store  IdempotencyStore
	sleep  func(time.Duration)
}

func NewOpenAI(apiKey, model string, store IdempotencyStore) *OpenAI {
	config := openai.DefaultConfig(apiKey)
	return NewOpenAIWithConfig(config, model, store)
}

func NewOpenAIWithConfig(config openai.ClientConfig, model string, store IdempotencyStore) *OpenAI {
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(config),
		model:  model,
		store:  store,
		sleep:  time.Sleep,
	}
}

// Summarize produces the caregiver summary for one conversation. It returns
// "" without error when the transcript is too short to be worth refining or
// when the same transcript was already submitted for this conversation.
func (s *OpenAI) Summarize(ctx context.Context, conversationID string, userLines []string) (string, error) {
	transcript := strings.Join(userLines, "\n")
	if utf8.RuneCountInString(transcript) < minTranscriptRunes {
		return "", nil
	}

	hash := sha256.Sum256([]byte(transcript))
	promptHash := hex.EncodeToString(hash[:])

	if s.store != nil {
		claimed, err := s.store.ClaimSummaryRequest(conversationID, promptHash)
		if err != nil {
			return "", fmt.Errorf("claim summary request: %w", err)
		}
		if !claimed {
			return "", nil
		}
	}

	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: transcript,
			},
		},
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := 0; attempt < len(backoff); attempt++ {
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", nil
			}
			return strings.TrimSpace(resp.Choices[0].Message.Content), nil
		}

		lastErr = err
		if attempt < len(backoff)-1 {
			s.sleep(backoff[attempt])
		}
	}

	return "", fmt.Errorf("openai summary failed after retries: %w", lastErr)
}
