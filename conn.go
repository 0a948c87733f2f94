package mergeparty

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

const writeTimeout = 10 * time.Second

var _ Conn = (*wsConn)(nil)

// wsConn is the websocket connection of a single peer.
// Frames are written by a dedicated sender goroutine so the room never blocks on the network.
type wsConn struct {
	id     uuid.UUID
	ws     *websocket.Conn
	sendCh chan []byte

	closeOnce sync.Once
	closing   chan struct{}
}

func newWSConn(ws *websocket.Conn, sendBuffer int) *wsConn {
	return &wsConn{
		id:      uuid.New(),
		ws:      ws,
		sendCh:  make(chan []byte, sendBuffer),
		closing: make(chan struct{}),
	}
}

// Send queues frame. Connection is closed if peer does not keep up.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.closing:
		return errors.WithStack(errConnClosed)
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		_ = c.Close()
		return errors.WithStack(errSlowConsumer)
	}
}

// Close requests the connection to be closed once queued frames are written.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	return nil
}

func (c *wsConn) runReceiver(ctx context.Context, room *Room) error {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closing:
				return nil
			default:
			}
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return errors.WithStack(err)
		}

		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}

		if err := room.Deliver(ctx, c, Frame{
			Text: msgType == websocket.TextMessage,
			Data: data,
		}); err != nil {
			return err
		}
	}
}

func (c *wsConn) runSender(ctx context.Context) error {
	defer c.ws.Close()

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				return err
			}
		case <-c.closing:
			return c.drain(ctx)
		}
	}
}

// drain writes frames queued before close and then closes the websocket gracefully.
func (c *wsConn) drain(ctx context.Context) error {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(data); err != nil {
				return err
			}
		default:
			err := c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			if err != nil {
				logger.Get(ctx).Debug("Sending close message failed", zap.Error(err))
			}
			return nil
		}
	}
}

func (c *wsConn) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(c.ws.WriteMessage(websocket.BinaryMessage, data))
}
