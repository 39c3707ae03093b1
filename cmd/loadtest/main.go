package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/collab-edit/internal/ot"
	"github.com/example/collab-edit/internal/room"
	"github.com/example/collab-edit/internal/ws"
)

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:3000/ws", "websocket address to target")
	clients := flag.Int("clients", 100, "number of listener clients")
	messages := flag.Int("messages", 50, "number of operations to send")
	interval := flag.Duration("interval", 100*time.Millisecond, "delay between operations")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("app", "collab-loadtest").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	driver, err := dial(ctx, dialer, *addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("driver dial failed")
	}
	defer driver.Close()

	send(driver, "create_room", map[string]string{"username": "driver", "color": "#ff0000"})
	created, err := waitFor(driver, room.EventRoomCreated)
	if err != nil {
		logger.Fatal().Err(err).Msg("room creation failed")
	}
	var state room.RoomState
	if err := json.Unmarshal(created, &state); err != nil {
		logger.Fatal().Err(err).Msg("bad room_created payload")
	}
	logger.Info().Str("room", state.RoomCode).Msg("room created")

	send(driver, "join_editor", 1)
	if _, err := waitFor(driver, room.EventEditorSynced); err != nil {
		logger.Fatal().Err(err).Msg("driver subscribe failed")
	}

	latencyCh := make(chan latencySample, *clients**messages)
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, err := dial(ctx, dialer, *addr)
			if err != nil {
				logger.Error().Err(err).Int("client", id).Msg("dial failed")
				return
			}
			defer conn.Close()

			send(conn, "join_room", map[string]string{
				"username": fmt.Sprintf("client-%d", id),
				"color":    "#00ff00",
				"roomCode": state.RoomCode,
			})
			if _, err := waitFor(conn, room.EventRoomJoined); err != nil {
				logger.Error().Err(err).Int("client", id).Msg("join failed")
				return
			}
			send(conn, "join_editor", 1)

			listen(ctx, conn, latencyCh)
		}(i)
	}

	// Give listeners a moment to subscribe before the edit storm starts.
	time.Sleep(time.Second)

	go func() {
		revision := int64(0)
		length := 0
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		for i := 0; i < *messages; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				op := ot.Operation{ot.Insert("k")}
				if length > 0 {
					op = ot.Operation{ot.Retain(length), ot.Insert("k")}
				}
				send(driver, "send_operation", map[string]any{
					"editorId":     1,
					"operation":    op,
					"baseRevision": revision,
				})
				data, err := waitFor(driver, room.EventReceiveOperation)
				if err != nil {
					logger.Error().Err(err).Msg("ack wait failed")
					return
				}
				var ack room.OperationPayload
				if err := json.Unmarshal(data, &ack); err != nil {
					logger.Error().Err(err).Msg("bad ack payload")
					return
				}
				revision = ack.Revision
				length++
			}
		}
		logger.Info().Msg("all operations sent")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(*messages)*(*interval)+30*time.Second)
	defer cancel()
	<-waitCtx.Done()
	stop()
	wg.Wait()
	close(latencyCh)

	report(logger, latencyCh)
	os.Exit(0)
}

func dial(ctx context.Context, dialer websocket.Dialer, addr string) (*websocket.Conn, error) {
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	return conn, err
}

func send(conn *websocket.Conn, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = conn.WriteJSON(ws.Envelope{Event: event, Data: data})
}

// waitFor reads envelopes until the named event arrives.
func waitFor(conn *websocket.Conn, event string) (json.RawMessage, error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var envelope ws.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return nil, err
		}
		if envelope.Event == event {
			return envelope.Data, nil
		}
		if envelope.Event == room.EventRoomError {
			return nil, fmt.Errorf("room_error: %s", string(envelope.Data))
		}
	}
}

// listen records the inter-arrival gap of broadcasts until the context ends.
// The driver sends at a fixed interval, so gaps above it are queueing delay.
func listen(ctx context.Context, conn *websocket.Conn, samples chan<- latencySample) {
	var last time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		var envelope ws.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return
		}
		if envelope.Event != room.EventReceiveOperation {
			continue
		}
		now := time.Now()
		if !last.IsZero() {
			select {
			case samples <- latencySample{dur: now.Sub(last)}:
			default:
			}
		}
		last = now
	}
}

func report(logger zerolog.Logger, samples <-chan latencySample) {
	var count int
	var total, max time.Duration
	min := time.Duration(math.MaxInt64)
	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < min {
			min = s.dur
		}
	}
	if count == 0 {
		logger.Info().Msg("no broadcasts observed")
		return
	}
	logger.Info().
		Int("broadcasts", count).
		Dur("avg", total/time.Duration(count)).
		Dur("min", min).
		Dur("max", max).
		Msg("loadtest complete")
}
