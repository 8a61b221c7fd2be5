package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCommandPatchPayloadMergesFields(t *testing.T) {
	cmd := Command{Payload: json.RawMessage(`{"occurrenceId":"o1","resourceCode":"ABT-12"}`)}
	if err := cmd.PatchPayload(map[string]any{"dispatchId": "d1"}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(cmd.Payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["occurrenceId"] != "o1" || got["resourceCode"] != "ABT-12" || got["dispatchId"] != "d1" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestCommandDecodePayloadReportsPayloadError(t *testing.T) {
	cmd := Command{Type: CommandDispatchStatus, Payload: json.RawMessage(`{"dispatchId":5}`)}
	var p DispatchStatusPayload
	err := cmd.DecodePayload(&p)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestCommandMarkProcessedClearsError(t *testing.T) {
	msg := "boom"
	cmd := Command{Status: CommandPending, Error: &msg}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cmd.MarkProcessed(at)
	if cmd.Status != CommandProcessed || cmd.Error != nil || cmd.ProcessedAt == nil || !cmd.ProcessedAt.Equal(at) {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	if !cmd.Status.Terminal() || CommandPending.Terminal() {
		t.Fatal("terminal classification wrong")
	}
}
