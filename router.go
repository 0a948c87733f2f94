package mergeparty

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mergeparty/wire"
)

// ServerAliasPrefix is the prefix of target IDs addressed to the server of the room.
const ServerAliasPrefix = "server:"

type peerRecord struct {
	PeerID wire.PeerID
	Joined bool
	Closed bool
}

// RouterConfig is the configuration of router.
type RouterConfig struct {
	RoomID string

	// StorageCapable is set when the room acts as an authoritative peer holding documents.
	StorageCapable bool

	// Events receives events for the synchronization engine. Events are discarded if nil.
	Events chan<- Event

	Metrics *Metrics
}

// Health is the health report of the room.
type Health struct {
	Status         string `json:"status"`
	Room           string `json:"room"`
	ConnectedPeers int    `json:"connectedPeers"`
}

// Router owns the connections and the peer directory of a single room.
// It is not safe for concurrent use, all the calls must be serialized by the owner.
type Router struct {
	config   RouterConfig
	peerID   wire.PeerID
	metadata wire.PeerMetadata

	conns     map[Conn]*peerRecord
	directory map[wire.PeerID]Conn
	outbox    *outbox
}

// NewRouter creates router.
func NewRouter(config RouterConfig) *Router {
	return &Router{
		config:    config,
		peerID:    wire.PeerID(ServerAliasPrefix + config.RoomID),
		conns:     map[Conn]*peerRecord{},
		directory: map[wire.PeerID]Conn{},
		outbox:    newOutbox(),
	}
}

// Connect sets the identity the router presents to peers.
func (r *Router) Connect(peerID wire.PeerID, metadata wire.PeerMetadata) {
	r.peerID = peerID
	r.metadata = metadata
}

// PeerID returns the identity of the router.
func (r *Router) PeerID() wire.PeerID {
	return r.peerID
}

// Joined reports if connection completed the handshake.
func (r *Router) Joined(conn Conn) bool {
	rec, exists := r.conns[conn]
	return exists && rec.Joined && !rec.Closed
}

// Peers returns IDs of joined peers in ascending order.
func (r *Router) Peers() []wire.PeerID {
	peers := make([]wire.PeerID, 0, len(r.directory))
	for peerID := range r.directory {
		peers = append(peers, peerID)
	}
	slices.Sort(peers)
	return peers
}

// Health returns health report.
func (r *Router) Health() Health {
	var count int
	for _, rec := range r.conns {
		if !rec.Closed {
			count++
		}
	}
	return Health{
		Status:         "ok",
		Room:           r.config.RoomID,
		ConnectedPeers: count,
	}
}

// OnConnect registers new connection.
func (r *Router) OnConnect(_ context.Context, conn Conn) error {
	r.conns[conn] = &peerRecord{}
	return nil
}

// OnClose unregisters connection.
func (r *Router) OnClose(ctx context.Context, conn Conn) error {
	rec, exists := r.conns[conn]
	if !exists {
		return nil
	}
	delete(r.conns, conn)

	if rec.Joined {
		if r.directory[rec.PeerID] == conn {
			delete(r.directory, rec.PeerID)
		}
		r.config.Metrics.peerLeft()
	}

	return r.emit(ctx, Event{
		Type:   EventPeerDisconnected,
		PeerID: rec.PeerID,
	})
}

// OnMessage processes frame received from connection.
func (r *Router) OnMessage(ctx context.Context, frame Frame, conn Conn) error {
	log := logger.Get(ctx)

	rec, exists := r.conns[conn]
	if !exists || rec.Closed {
		log.Debug("Frame from unregistered connection discarded")
		return nil
	}

	r.config.Metrics.frame(frameReceived)

	if frame.Text {
		r.closeWithError(ctx, conn, rec, "Expected binary CBOR frame, got string")
		return nil
	}

	msg, err := wire.Decode(frame.Data)
	if err != nil {
		if !rec.Joined && invalidSender(frame.Data) {
			r.closeWithError(ctx, conn, rec, "`senderId` missing or invalid")
			return nil
		}
		log.Debug("Undecodable frame", zap.Error(err))
		r.config.Metrics.protocolError()
		r.close(ctx, conn, rec)
		return nil
	}

	if !rec.Joined {
		return r.handshake(ctx, msg, conn, rec)
	}

	if msg.Type == wire.TypeJoin {
		log.Debug("Repeated join ignored", zap.String("peerID", string(rec.PeerID)))
		return nil
	}

	return r.forward(ctx, frame.Data, msg)
}

// Send sends message produced by the synchronization engine to the target peer.
func (r *Router) Send(ctx context.Context, msg *wire.Message) error {
	if msg.Data != nil && len(msg.Data) == 0 {
		return errors.WithStack(ErrZeroLengthMessage)
	}

	conn, exists := r.directory[msg.TargetID]
	if !exists {
		logger.Get(ctx).Debug("Tried to send to disconnected peer", zap.String("targetID", string(msg.TargetID)))
		return nil
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	r.sendRaw(ctx, conn, data)
	return nil
}

// Queue queues message to be sent by SendQueued. It never blocks and is safe for concurrent use.
func (r *Router) Queue(msg *wire.Message) {
	r.outbox.Push(msg)
}

// Queued is signaled after messages are queued.
func (r *Router) Queued() <-chan struct{} {
	return r.outbox.signal
}

// SendQueued sends all the queued messages.
func (r *Router) SendQueued(ctx context.Context) {
	for _, msg := range r.outbox.Take() {
		if err := r.Send(ctx, msg); err != nil {
			logger.Get(ctx).Error("Sending message failed", zap.Error(err))
		}
	}
}

func (r *Router) handshake(ctx context.Context, msg *wire.Message, conn Conn, rec *peerRecord) error {
	if msg.Type != wire.TypeJoin {
		// Pre-join traffic is passed to the engine as is.
		return r.emit(ctx, Event{Type: EventMessage, Message: msg})
	}

	versions := msg.SupportedProtocolVersions
	if versions == nil {
		versions = []string{wire.ProtocolV1}
	}
	if !slices.Contains(versions, wire.ProtocolV1) {
		r.closeWithError(ctx, conn, rec, "Unsupported protocol version. Server supports "+wire.ProtocolV1)
		return nil
	}

	if msg.SenderID == "" {
		r.closeWithError(ctx, conn, rec, "`senderId` missing or invalid")
		return nil
	}

	newcomer := msg.SenderID
	r.directory[newcomer] = conn
	rec.PeerID = newcomer
	rec.Joined = true
	r.config.Metrics.peerJoined()

	var metadata wire.PeerMetadata
	if msg.PeerMetadata != nil {
		metadata = *msg.PeerMetadata
	}
	if err := r.emit(ctx, Event{
		Type:     EventPeerCandidate,
		PeerID:   newcomer,
		Metadata: metadata,
	}); err != nil {
		return err
	}

	routerMetadata := r.metadata
	r.sendMessage(ctx, conn, &wire.Message{
		Type:                    wire.TypePeer,
		SenderID:                r.peerID,
		TargetID:                newcomer,
		SelectedProtocolVersion: wire.ProtocolV1,
		PeerMetadata:            &routerMetadata,
	})

	others := make([]wire.PeerID, 0, len(r.directory))
	for _, peerID := range r.Peers() {
		if peerID != newcomer {
			others = append(others, peerID)
		}
	}
	for _, existing := range others {
		r.announce(ctx, existing, newcomer)
	}
	for _, existing := range others {
		r.announce(ctx, newcomer, existing)
	}
	if r.config.StorageCapable {
		r.announce(ctx, r.peerID, newcomer)
	}

	return nil
}

func (r *Router) forward(ctx context.Context, raw []byte, msg *wire.Message) error {
	target := msg.TargetID
	isAlias := strings.HasPrefix(string(target), ServerAliasPrefix)
	deliverLocal := target != "" && (target == r.peerID || isAlias)

	if deliverLocal {
		local := msg
		if isAlias {
			rewritten := *msg
			rewritten.TargetID = r.peerID
			local = &rewritten
		}
		r.config.Metrics.frame(frameLocal)
		if err := r.emit(ctx, Event{Type: EventMessage, Message: local}); err != nil {
			return err
		}
	}

	if target != "" {
		if conn, exists := r.directory[target]; exists {
			r.config.Metrics.frame(frameForwarded)
			r.sendRaw(ctx, conn, raw)
			return nil
		}
	}

	if isAlias {
		for _, peerID := range r.Peers() {
			if peerID == msg.SenderID {
				continue
			}
			data, err := wire.Retarget(raw, peerID)
			if err != nil {
				logger.Get(ctx).Error("Re-encoding frame failed", zap.Error(err))
				continue
			}
			r.config.Metrics.frame(frameFannedOut)
			r.sendRaw(ctx, r.directory[peerID], data)
		}
		return nil
	}

	if !deliverLocal {
		r.config.Metrics.frame(frameDropped)
		logger.Get(ctx).Debug("Frame dropped",
			zap.String("type", string(msg.Type)),
			zap.String("senderID", string(msg.SenderID)),
			zap.String("targetID", string(target)))
	}
	return nil
}

func (r *Router) announce(ctx context.Context, announced, to wire.PeerID) {
	conn, exists := r.directory[to]
	if !exists {
		return
	}
	r.sendMessage(ctx, conn, &wire.Message{
		Type:                    wire.TypePeer,
		SenderID:                announced,
		TargetID:                to,
		SelectedProtocolVersion: wire.ProtocolV1,
		PeerMetadata:            &wire.PeerMetadata{},
	})
}

// invalidSender reports join frames carrying sender of wrong type.
func invalidSender(data []byte) bool {
	h, err := wire.DecodeHeader(data)
	if err != nil || h.Type != wire.TypeJoin {
		return false
	}
	_, ok := h.SenderID.(string)
	return !ok
}

func (r *Router) emit(ctx context.Context, event Event) error {
	if r.config.Events == nil {
		return nil
	}
	// The engine may be blocked on sending while we wait for it to take the event.
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case r.config.Events <- event:
			return nil
		case <-r.outbox.signal:
			r.SendQueued(ctx)
		}
	}
}

func (r *Router) sendMessage(ctx context.Context, conn Conn, msg *wire.Message) {
	data, err := wire.Encode(msg)
	if err != nil {
		logger.Get(ctx).Error("Encoding message failed", zap.Error(err))
		return
	}
	r.sendRaw(ctx, conn, data)
}

func (r *Router) sendRaw(ctx context.Context, conn Conn, data []byte) {
	if err := conn.Send(data); err != nil {
		logger.Get(ctx).Debug("Sending frame failed", zap.Error(err))
	}
}

func (r *Router) closeWithError(ctx context.Context, conn Conn, rec *peerRecord, message string) {
	logger.Get(ctx).Debug("Protocol error", zap.String("reason", message))
	r.config.Metrics.protocolError()
	r.sendMessage(ctx, conn, &wire.Message{
		Type:    wire.TypeError,
		Message: message,
	})
	r.close(ctx, conn, rec)
}

func (r *Router) close(ctx context.Context, conn Conn, rec *peerRecord) {
	rec.Closed = true
	if err := conn.Close(); err != nil {
		logger.Get(ctx).Debug("Closing connection failed", zap.Error(err))
	}
}

func newOutbox() *outbox {
	return &outbox{
		signal: make(chan struct{}, 1),
	}
}

type outbox struct {
	mu     sync.Mutex
	queue  []*wire.Message
	signal chan struct{}
}

func (o *outbox) Push(msg *wire.Message) {
	o.mu.Lock()
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outbox) Take() []*wire.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	queue := o.queue
	o.queue = nil
	return queue
}
