package ws

import (
	"encoding/json"
	"fmt"

	"github.com/example/collab-edit/internal/ot"
)

// Client-to-server event names.
const (
	eventCreateRoom      = "create_room"
	eventJoinRoom        = "join_room"
	eventAddEditor       = "add_editor"
	eventRemoveEditor    = "remove_editor"
	eventJoinEditor      = "join_editor"
	eventLeaveEditor     = "leave_editor"
	eventSendOperation   = "send_operation"
	eventRequestSync     = "request_sync"
	eventKickUser        = "kick_user"
	eventCloseRoom       = "close_room"
	eventExecuteCode     = "execute_code"
	eventExecutionResult = "execution_result"
)

// Envelope is the framing for every message in either direction: a named
// event with a JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type createRoomRequest struct {
	Username string `json:"username"`
	Color    string `json:"color"`
}

type joinRoomRequest struct {
	Username string `json:"username"`
	Color    string `json:"color"`
	RoomCode string `json:"roomCode"`
}

type addEditorRequest struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

type sendOperationRequest struct {
	EditorID     int64        `json:"editorId"`
	Operation    ot.Operation `json:"operation"`
	BaseRevision int64        `json:"baseRevision"`
}

type kickUserRequest struct {
	TargetSocketID string `json:"targetSocketId"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = encoded
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// editorID decodes the bare-integer payload used by remove_editor,
// join_editor, leave_editor and request_sync.
func editorID(data json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(data, &id); err != nil {
		return 0, fmt.Errorf("decode editor id: %w", err)
	}
	return id, nil
}
