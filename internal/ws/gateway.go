package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/collab-edit/internal/document"
	"github.com/example/collab-edit/internal/ot"
	"github.com/example/collab-edit/internal/room"
)

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// Gateway upgrades HTTP requests into WebSocket sessions and routes the named
// events of the room protocol to the registry.
type Gateway struct {
	registry *room.Registry
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	cfg      GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(registry *room.Registry, logger zerolog.Logger, cfg GatewayConfig) (*Gateway, error) {
	if registry == nil {
		return nil, errors.New("room registry is required")
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = (cfg.PongWait * 9) / 10
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	return &Gateway{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		cfg: cfg,
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	childLogger := g.logger.With().Str("participant", id).Logger()

	conn := newConnection(id, socket, childLogger, connectionOptions{
		sendBufferSize: g.cfg.SendBuffer,
		writeTimeout:   g.cfg.WriteTimeout,
		pongWait:       g.cfg.PongWait,
		pingInterval:   g.cfg.PingInterval,
		maxMessageSize: g.cfg.MaxMessageSize,
	}, func() {
		g.registry.Disconnect(id)
		connectionsActive.Dec()
	})

	connectionsActive.Inc()
	childLogger.Info().Msg("websocket connection established")

	go conn.run(func(envelope Envelope) {
		g.dispatch(conn, envelope)
	})
}

// dispatch routes one inbound event. Protocol violations are reported back on
// the same connection and never terminate it.
func (g *Gateway) dispatch(conn *Connection, envelope Envelope) {
	ctx := conn.ctx

	switch envelope.Event {
	case eventCreateRoom:
		var req createRoomRequest
		if err := json.Unmarshal(envelope.Data, &req); err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: "malformed create_room payload"})
			return
		}
		state, err := g.registry.CreateRoom(ctx, conn, req.Username, req.Color)
		if err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: err.Error()})
			return
		}
		conn.Send(room.EventRoomCreated, state)

	case eventJoinRoom:
		var req joinRoomRequest
		if err := json.Unmarshal(envelope.Data, &req); err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: "malformed join_room payload"})
			return
		}
		state, err := g.registry.JoinRoom(ctx, conn, req.Username, req.Color, req.RoomCode)
		if err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: err.Error()})
			return
		}
		conn.Send(room.EventRoomJoined, state)

	case eventAddEditor:
		var req addEditorRequest
		if err := json.Unmarshal(envelope.Data, &req); err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: "malformed add_editor payload"})
			return
		}
		if _, err := g.registry.AddDocument(ctx, conn.ID(), req.Name, req.Language); err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: err.Error()})
		}

	case eventRemoveEditor:
		id, err := editorID(envelope.Data)
		if err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: "malformed remove_editor payload"})
			return
		}
		switch err := g.registry.RemoveDocument(conn.ID(), id); {
		case err == nil, errors.Is(err, room.ErrLastEditor):
			// Removing the last editor is silently ignored.
		default:
			conn.Send(room.EventRoomError, room.MessagePayload{Message: err.Error()})
		}

	case eventJoinEditor:
		id, err := editorID(envelope.Data)
		if err != nil {
			conn.Send(room.EventSyncError, room.MessagePayload{Message: "malformed join_editor payload"})
			return
		}
		sync, err := g.registry.Subscribe(conn.ID(), id, conn)
		if err != nil {
			conn.Send(g.errorEvent(err, room.EventSyncError), room.MessagePayload{Message: err.Error()})
			return
		}
		conn.Send(room.EventEditorSynced, sync)

	case eventLeaveEditor:
		id, err := editorID(envelope.Data)
		if err != nil {
			return
		}
		_ = g.registry.Unsubscribe(conn.ID(), id)

	case eventSendOperation:
		var req sendOperationRequest
		if err := json.Unmarshal(envelope.Data, &req); err != nil {
			conn.Send(room.EventOperationError, room.MessagePayload{Message: "malformed send_operation payload"})
			return
		}
		_, span := tracer.Start(ctx, "ws.send_operation")
		span.SetAttributes(attribute.Int64("editor.id", req.EditorID), attribute.Int64("operation.base_revision", req.BaseRevision))
		err := g.registry.SendOperation(conn.ID(), req.EditorID, req.Operation, req.BaseRevision, conn)
		span.End()
		if err != nil {
			conn.Send(g.errorEvent(err, room.EventOperationError), room.MessagePayload{Message: err.Error()})
		}

	case eventRequestSync:
		id, err := editorID(envelope.Data)
		if err != nil {
			conn.Send(room.EventSyncError, room.MessagePayload{Message: "malformed request_sync payload"})
			return
		}
		sync, err := g.registry.RequestSync(conn.ID(), id)
		if err != nil {
			conn.Send(g.errorEvent(err, room.EventSyncError), room.MessagePayload{Message: err.Error()})
			return
		}
		conn.Send(room.EventEditorSynced, sync)

	case eventKickUser:
		var req kickUserRequest
		if err := json.Unmarshal(envelope.Data, &req); err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: "malformed kick_user payload"})
			return
		}
		if err := g.registry.KickUser(conn.ID(), req.TargetSocketID); err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: err.Error()})
		}

	case eventCloseRoom:
		if err := g.registry.CloseRoom(ctx, conn.ID()); err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: err.Error()})
		}

	case eventExecuteCode, eventExecutionResult:
		// Code-execution passthrough: relayed unchanged, no interpretation.
		if err := g.registry.Relay(conn.ID(), envelope.Event, envelope.Data); err != nil {
			conn.Send(room.EventRoomError, room.MessagePayload{Message: err.Error()})
		}

	default:
		conn.logger.Debug().Str("event", envelope.Event).Msg("unknown event")
	}
}

// errorEvent picks the wire event for a registry error: room-level problems
// go to room_error, document-level problems to the provided default.
func (g *Gateway) errorEvent(err error, docEvent string) string {
	switch {
	case errors.Is(err, room.ErrNotInRoom),
		errors.Is(err, room.ErrRoomNotFound),
		errors.Is(err, room.ErrAlreadyInRoom),
		errors.Is(err, room.ErrNotHost):
		return room.EventRoomError
	case errors.Is(err, room.ErrEditorNotFound),
		errors.Is(err, document.ErrFutureRevision),
		errors.Is(err, ot.ErrInvalidOperation),
		errors.Is(err, ot.ErrIncompatibleOperations):
		return docEvent
	default:
		return docEvent
	}
}
