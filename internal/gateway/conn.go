package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pulsechat/pulse/internal/auth"
	"github.com/pulsechat/pulse/internal/logger"
	"github.com/pulsechat/pulse/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameBytes  = 64 * 1024
	sendBufferSize = 256
)

type wsFrame struct {
	messageType int
	data        []byte
}

// Conn is one websocket connection. The read loop owns principal and runs
// the event handlers; the write loop is the only goroutine that writes to
// the wire after the handshake. ctx ends with the connection, so handlers
// deriving their deadlines from it have in-flight I/O cancelled on
// disconnect.
type Conn struct {
	id        string
	ws        *websocket.Conn
	send      chan wsFrame
	principal *auth.Principal
	limiter   *rate.Limiter
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, eventRate float64, eventBurst int) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:      uuid.New().String(),
		ws:      ws,
		send:    make(chan wsFrame, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(eventRate), eventBurst),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// enqueue hands a text frame to the write loop. A full buffer drops the
// frame; a reader that far behind is reaped by the read deadline soon
// enough.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case c.send <- wsFrame{messageType: websocket.TextMessage, data: data}:
		return true
	case <-c.done:
		return false
	default:
		metrics.DroppedFrames.Inc()
		return false
	}
}

// shutdown asks the write loop to deliver a close frame and end the
// connection. A saturated buffer just closes the socket outright.
func (c *Conn) shutdown(code int, reason string) {
	frame := wsFrame{
		messageType: websocket.CloseMessage,
		data:        websocket.FormatCloseMessage(code, reason),
	}
	select {
	case c.send <- frame:
	default:
		c.close()
	}
}

// writeLoop drains the send buffer onto the wire and keeps the connection
// alive with pings. Any write failure ends the connection.
func (c *Conn) writeLoop(log *logger.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(frame.messageType, frame.data); err != nil {
				log.Debug("failed to write frame",
					slog.String("conn_id", c.id),
					slog.String("error", err.Error()))
				return
			}
			if frame.messageType == websocket.CloseMessage {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close shuts the socket down once. The read loop unblocks with an error
// and runs the disconnect path.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
		c.ws.Close()
	})
}
