package ws

import (
	"encoding/json"
	"testing"

	"github.com/example/collab-edit/internal/ot"
	"github.com/example/collab-edit/internal/room"
)

func TestDecodeSendOperationEnvelope(t *testing.T) {
	raw := []byte(`{"event":"send_operation","data":{"editorId":1,"operation":[{"type":"retain","count":3},{"type":"insert","text":"hi"},{"type":"delete","count":2}],"baseRevision":7}}`)

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Event != eventSendOperation {
		t.Fatalf("unexpected event %q", envelope.Event)
	}

	var req sendOperationRequest
	if err := json.Unmarshal(envelope.Data, &req); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if req.EditorID != 1 || req.BaseRevision != 7 {
		t.Fatalf("unexpected request %+v", req)
	}
	want := ot.Operation{ot.Retain(3), ot.Insert("hi"), ot.Delete(2)}
	if len(req.Operation) != len(want) {
		t.Fatalf("expected %+v, got %+v", want, req.Operation)
	}
	for i := range want {
		if req.Operation[i] != want[i] {
			t.Fatalf("primitive %d: expected %+v, got %+v", i, want[i], req.Operation[i])
		}
	}
}

func TestEncodeReceiveOperationEnvelope(t *testing.T) {
	payload := room.OperationPayload{
		EditorID:       2,
		Operation:      ot.Operation{ot.Retain(1), ot.Insert("y"), ot.Retain(3)},
		Revision:       7,
		AuthorSocketID: "abc",
	}

	data, err := encodeEnvelope(room.EventReceiveOperation, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Event != room.EventReceiveOperation {
		t.Fatalf("unexpected event %q", envelope.Event)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(envelope.Data, &decoded); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	var opWire []map[string]any
	if err := json.Unmarshal(decoded["operation"], &opWire); err != nil {
		t.Fatalf("decode operation: %v", err)
	}
	// Retain/delete primitives must not leak a text field, nor inserts a
	// count, per the wire format.
	if _, ok := opWire[0]["text"]; ok {
		t.Fatalf("retain primitive carries text: %v", opWire[0])
	}
	if _, ok := opWire[1]["count"]; ok {
		t.Fatalf("insert primitive carries count: %v", opWire[1])
	}
}

func TestEditorIDDecoding(t *testing.T) {
	id, err := editorID(json.RawMessage(`3`))
	if err != nil || id != 3 {
		t.Fatalf("expected 3, got %d (%v)", id, err)
	}
	if _, err := editorID(json.RawMessage(`"nope"`)); err == nil {
		t.Fatalf("expected error for non-integer editor id")
	}
}
