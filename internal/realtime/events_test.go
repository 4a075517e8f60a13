package realtime

import (
	"encoding/base64"
	"testing"
)

func TestParseTranscriptionCompleted(t *testing.T) {
	data := []byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"今日は元気です"}`)

	ev, err := parseEvent(data)
	if err != nil {
		t.Fatalf("parseEvent failed: %v", err)
	}
	if ev.Type != EventTranscriptionCompleted {
		t.Errorf("unexpected type %q", ev.Type)
	}
	if ev.Transcript != "今日は元気です" {
		t.Errorf("unexpected transcript %q", ev.Transcript)
	}
}

func TestParseResponseCreatedCarriesID(t *testing.T) {
	data := []byte(`{"type":"response.created","response":{"id":"resp_123","status":"in_progress"}}`)

	ev, err := parseEvent(data)
	if err != nil {
		t.Fatalf("parseEvent failed: %v", err)
	}
	if ev.Type != EventResponseCreated {
		t.Errorf("unexpected type %q", ev.Type)
	}
	if ev.ResponseID != "resp_123" {
		t.Errorf("unexpected response id %q", ev.ResponseID)
	}
}

func TestParseAudioDeltaDecodesBase64(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	data := []byte(`{"type":"response.audio.delta","response_id":"resp_1","delta":"` +
		base64.StdEncoding.EncodeToString(pcm) + `"}`)

	ev, err := parseEvent(data)
	if err != nil {
		t.Fatalf("parseEvent failed: %v", err)
	}
	if ev.ResponseID != "resp_1" {
		t.Errorf("unexpected response id %q", ev.ResponseID)
	}
	if string(ev.Audio) != string(pcm) {
		t.Errorf("audio payload mismatch: %v", ev.Audio)
	}
}

func TestParseAudioDeltaRejectsBadBase64(t *testing.T) {
	data := []byte(`{"type":"response.audio.delta","delta":"%%%not-base64%%%"}`)

	if _, err := parseEvent(data); err == nil {
		t.Fatal("expected error for invalid base64 delta")
	}
}

func TestParseErrorEvent(t *testing.T) {
	data := []byte(`{"type":"error","error":{"code":"rate_limit","message":"slow down"}}`)

	ev, err := parseEvent(data)
	if err != nil {
		t.Fatalf("parseEvent failed: %v", err)
	}
	if ev.Type != EventError {
		t.Errorf("unexpected type %q", ev.Type)
	}
	apiErr, ok := ev.Err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", ev.Err)
	}
	if apiErr.Code != "rate_limit" || apiErr.Message != "slow down" {
		t.Errorf("unexpected error payload: %v", apiErr)
	}
}

func TestParseTranscriptionFailed(t *testing.T) {
	data := []byte(`{"type":"conversation.item.input_audio_transcription.failed","error":{"code":"audio_unintelligible","message":"could not transcribe"}}`)

	ev, err := parseEvent(data)
	if err != nil {
		t.Fatalf("parseEvent failed: %v", err)
	}
	if ev.Type != EventTranscriptionFailed {
		t.Errorf("unexpected type %q", ev.Type)
	}
	if ev.Err == nil {
		t.Error("expected error detail on transcription failure")
	}
}
