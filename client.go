package mergeparty

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mergeparty/wire"
	"github.com/outofforest/parallel"
)

// Received is the frame received by the client.
type Received struct {
	Message *wire.Message
	Raw     []byte
}

// ClientConfig is the config of client.
type ClientConfig struct {
	// URL is the websocket URL of the room, e.g. ws://localhost:1999/parties/main/room.
	URL string

	// PeerID is the identity of the client. Random one is generated if empty.
	PeerID   wire.PeerID
	Metadata wire.PeerMetadata

	// Header is sent with the websocket handshake request.
	Header http.Header
}

// Client connects to the room and exchanges messages with its peers.
type Client struct {
	config ClientConfig
	sendCh chan []byte
	recvCh chan Received
}

// NewClient creates new client.
func NewClient(config ClientConfig) (*Client, <-chan Received, error) {
	if config.URL == "" {
		return nil, nil, errors.New("no URL specified")
	}
	if config.PeerID == "" {
		config.PeerID = newPeerID()
	}

	recvCh := make(chan Received, 10)
	return &Client{
		config: config,
		sendCh: make(chan []byte, 10),
		recvCh: recvCh,
	}, recvCh, nil
}

// PeerID returns the identity of the client.
func (client *Client) PeerID() wire.PeerID {
	return client.config.PeerID
}

// Run connects to the room and exchanges frames until the connection is closed.
func (client *Client) Run(ctx context.Context) error {
	defer close(client.recvCh)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, client.config.URL, client.config.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "connecting to %q failed", client.config.URL)
	}

	metadata := client.config.Metadata
	join, err := wire.Encode(&wire.Message{
		Type:                      wire.TypeJoin,
		SenderID:                  client.config.PeerID,
		SupportedProtocolVersions: []string{wire.ProtocolV1},
		PeerMetadata:              &metadata,
	})
	if err != nil {
		_ = ws.Close()
		return err
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, join); err != nil {
		_ = ws.Close()
		return errors.WithStack(err)
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Exit, func(ctx context.Context) error {
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure,
						websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
						return nil
					}
					return errors.WithStack(err)
				}

				msg, err := wire.Decode(data)
				if err != nil {
					logger.Get(ctx).Debug("Undecodable frame received", zap.Error(err))
				}

				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case client.recvCh <- Received{Message: msg, Raw: data}:
				}
			}
		})
		spawn("sender", parallel.Exit, func(ctx context.Context) error {
			defer ws.Close()

			for {
				select {
				case <-ctx.Done():
					_ = ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return errors.WithStack(ctx.Err())
				case data := <-client.sendCh:
					if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
						return errors.WithStack(err)
					}
				}
			}
		})

		return nil
	})
}

// Send sends message to the room. Sender is set to the identity of the client if empty.
func (client *Client) Send(ctx context.Context, msg *wire.Message) error {
	if msg.Data != nil && len(msg.Data) == 0 {
		return errors.WithStack(ErrZeroLengthMessage)
	}
	if msg.SenderID == "" {
		m := *msg
		m.SenderID = client.config.PeerID
		msg = &m
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return client.SendRaw(ctx, data)
}

// SendRaw sends raw frame to the room.
func (client *Client) SendRaw(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case client.sendCh <- data:
		return nil
	}
}
