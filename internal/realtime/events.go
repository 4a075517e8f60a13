package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EventType identifies an inbound message from the Realtime API.
type EventType string

const (
	EventSessionCreated         EventType = "session.created"
	EventSessionUpdated         EventType = "session.updated"
	EventSpeechStarted          EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped          EventType = "input_audio_buffer.speech_stopped"
	EventTranscriptionCompleted EventType = "conversation.item.input_audio_transcription.completed"
	EventTranscriptionFailed    EventType = "conversation.item.input_audio_transcription.failed"
	EventResponseCreated        EventType = "response.created"
	EventAudioDelta             EventType = "response.audio.delta"
	EventAudioTranscriptDelta   EventType = "response.audio_transcript.delta"
	EventAudioTranscriptDone    EventType = "response.audio_transcript.done"
	EventResponseDone           EventType = "response.done"
	EventError                  EventType = "error"

	// EventClosed is synthesized locally when the connection terminates for
	// any reason. It is always the last event on the channel.
	EventClosed EventType = "closed"
)

// Event is a decoded inbound message. Only the fields relevant to the
// event's type are populated.
type Event struct {
	Type       EventType
	ResponseID string
	Transcript string // completed user transcript or assistant transcript delta
	Audio      []byte // decoded PCM16 payload for audio deltas
	Err        error  // set for error and closed events
}

type wireEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Delta      string `json:"delta"`
	ResponseID string `json:"response_id"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseEvent(data []byte) (Event, error) {
	var raw wireEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}

	ev := Event{Type: EventType(raw.Type)}

	switch ev.Type {
	case EventTranscriptionCompleted:
		ev.Transcript = raw.Transcript
	case EventTranscriptionFailed:
		ev.Err = &APIError{Code: raw.Error.Code, Message: raw.Error.Message}
	case EventResponseCreated, EventResponseDone:
		ev.ResponseID = raw.Response.ID
	case EventAudioDelta:
		ev.ResponseID = raw.ResponseID
		audio, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return Event{}, fmt.Errorf("decode audio delta: %w", err)
		}
		ev.Audio = audio
	case EventAudioTranscriptDelta:
		ev.ResponseID = raw.ResponseID
		ev.Transcript = raw.Delta
	case EventAudioTranscriptDone:
		ev.ResponseID = raw.ResponseID
		ev.Transcript = raw.Transcript
	case EventError:
		ev.Err = &APIError{Code: raw.Error.Code, Message: raw.Error.Message}
	}

	return ev, nil
}
