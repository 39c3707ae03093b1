package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type connectionOptions struct {
	sendBufferSize int
	writeTimeout   time.Duration
	pongWait       time.Duration
	pingInterval   time.Duration
	maxMessageSize int64
}

// Connection is one upgraded client session. It implements room.Subscriber:
// broadcasts are enqueued onto the send channel and delivered by the writer
// goroutine, so event order per subscriber matches emission order.
type Connection struct {
	id     string
	conn   *websocket.Conn
	logger zerolog.Logger
	opts   connectionOptions

	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	onClose func()
}

func newConnection(id string, conn *websocket.Conn, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:      id,
		conn:    conn,
		logger:  logger,
		opts:    opts,
		send:    make(chan []byte, opts.sendBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}
}

// ID returns the participant identifier (the socket id on the wire).
func (c *Connection) ID() string { return c.id }

// Send implements room.Subscriber. It never blocks; a subscriber that cannot
// drain its buffer is disconnected rather than allowed to stall a broadcast.
func (c *Connection) Send(event string, payload any) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("failed to encode outbound event")
		return
	}

	select {
	case c.send <- data:
		eventsSent.WithLabelValues(event).Inc()
	case <-c.ctx.Done():
	default:
		c.logger.Warn().Str("event", event).Msg("send buffer full; closing connection")
		c.Close()
	}
}

// Close tears the connection down once: pending work bound to it is
// cancelled and the peer socket released.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// run starts the writer pump and then reads frames until the peer goes away.
func (c *Connection) run(handle func(Envelope)) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop(handle)
	c.Close()
	wg.Wait()
}

func (c *Connection) readLoop(handle func(Envelope)) {
	c.conn.SetReadLimit(c.opts.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait))
	})

	for {
		var envelope Envelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read loop terminated")
			}
			return
		}
		if envelope.Event == "" {
			c.logger.Debug().Msg("dropping event without a name")
			continue
		}
		eventsReceived.WithLabelValues(envelope.Event).Inc()
		handle(envelope)
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}
