package mergeparty

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/mergeparty/kv"
	"github.com/outofforest/mergeparty/wire"
	"github.com/outofforest/parallel"
)

// ErrRoomClosed is returned when operation is submitted to the room which is not running.
var ErrRoomClosed = errors.New("room closed")

const (
	defaultEventBuffer = 100
	opsBuffer          = 64
)

// RoomConfig is the configuration of room.
type RoomConfig struct {
	Party string
	ID    string

	// Store keeps documents of the room. Room runs in relay mode if nil.
	Store kv.Store

	// RepoFactory creates synchronization engine of the room. Only storage is bridged if nil.
	RepoFactory RepoFactory

	// EventBuffer is the capacity of the channel delivering events to the engine.
	EventBuffer int

	Metrics *Metrics
}

// Room executes all the operations of a single room serially.
type Room struct {
	config RoomConfig
	router *Router
	bridge *Bridge
	events chan Event

	ops   chan func(ctx context.Context)
	ready chan struct{}
	done  chan struct{}
}

// NewRoom creates room.
func NewRoom(config RoomConfig) *Room {
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaultEventBuffer
	}

	r := &Room{
		config: config,
		ops:    make(chan func(ctx context.Context), opsBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	routerConfig := RouterConfig{
		RoomID:         config.ID,
		StorageCapable: config.Store != nil && config.RepoFactory != nil,
		Metrics:        config.Metrics,
	}
	if config.RepoFactory != nil {
		r.events = make(chan Event, config.EventBuffer)
		routerConfig.Events = r.events
	}
	r.router = NewRouter(routerConfig)

	if config.Store != nil {
		r.bridge = NewBridge(r.router, config.Store, config.Metrics)
	}

	return r
}

// Run runs the room.
func (r *Room) Run(ctx context.Context) error {
	log := logger.Get(ctx).With(zap.String("party", r.config.Party), zap.String("room", r.config.ID))
	ctx = logger.WithLogger(ctx, log)

	defer close(r.done)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("setup", parallel.Continue, func(ctx context.Context) error {
			if err := r.setup(ctx); err != nil {
				return err
			}
			log.Info("Room started", zap.Bool("storage", r.bridge != nil))
			close(r.ready)
			return nil
		})
		spawn("loop", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case op := <-r.ops:
					op(ctx)
				case <-r.router.Queued():
					r.router.SendQueued(ctx)
				}
			}
		})

		return nil
	})
}

// Open registers new connection.
func (r *Room) Open(ctx context.Context, conn Conn) error {
	return r.execReady(ctx, func(ctx context.Context) error {
		if r.bridge != nil {
			return r.bridge.OnConnect(ctx, conn)
		}
		return r.router.OnConnect(ctx, conn)
	})
}

// Deliver processes frame received from connection.
func (r *Room) Deliver(ctx context.Context, conn Conn, frame Frame) error {
	return r.execReady(ctx, func(ctx context.Context) error {
		if r.bridge != nil {
			return r.bridge.OnMessage(ctx, frame, conn)
		}
		return r.router.OnMessage(ctx, frame, conn)
	})
}

// Close unregisters connection.
func (r *Room) Close(ctx context.Context, conn Conn) error {
	return r.execReady(ctx, func(ctx context.Context) error {
		if r.bridge != nil {
			return r.bridge.OnClose(ctx, conn)
		}
		return r.router.OnClose(ctx, conn)
	})
}

// Health returns health report of the room.
func (r *Room) Health(ctx context.Context) (Health, error) {
	var health Health
	err := r.exec(ctx, func(ctx context.Context) error {
		health = r.router.Health()
		return nil
	})
	return health, err
}

// Storage returns storage bridge of the room, nil in relay mode.
func (r *Room) Storage(ctx context.Context) (*Bridge, error) {
	if err := r.waitReady(ctx); err != nil {
		return nil, err
	}
	return r.bridge, nil
}

func (r *Room) setup(ctx context.Context) error {
	if r.bridge == nil {
		return nil
	}
	if err := r.bridge.Start(ctx); err != nil {
		return err
	}
	if r.config.RepoFactory == nil {
		return nil
	}

	repo, err := r.config.RepoFactory(ctx, RoomEnv{Party: r.config.Party, ID: r.config.ID}, r.bridge,
		&roomNetwork{room: r, peerID: r.router.PeerID()})
	if err != nil {
		return errors.WithMessage(err, "creating repo failed")
	}
	r.bridge.AttachRepo(repo)
	return nil
}

func (r *Room) waitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-r.done:
		return errors.WithStack(ErrRoomClosed)
	case <-r.ready:
		return nil
	}
}

func (r *Room) execReady(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.waitReady(ctx); err != nil {
		return err
	}
	return r.exec(ctx, fn)
}

func (r *Room) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	errCh := make(chan error, 1)
	if err := r.submit(ctx, func(ctx context.Context) {
		errCh <- fn(ctx)
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-r.done:
		return errors.WithStack(ErrRoomClosed)
	case err := <-errCh:
		return err
	}
}

func (r *Room) submit(ctx context.Context, op func(ctx context.Context)) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-r.done:
		return errors.WithStack(ErrRoomClosed)
	case r.ops <- op:
		return nil
	}
}

var _ NetworkAdapter = (*roomNetwork)(nil)

// roomNetwork is the network adapter given to the engine.
// The engine must keep draining Events, otherwise the room stalls. Sending is allowed while doing so.
type roomNetwork struct {
	room *Room

	mu     sync.Mutex
	peerID wire.PeerID
}

func (n *roomNetwork) PeerID() wire.PeerID {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.peerID
}

func (n *roomNetwork) Connect(ctx context.Context, peerID wire.PeerID, metadata wire.PeerMetadata) error {
	n.mu.Lock()
	n.peerID = peerID
	n.mu.Unlock()

	return n.room.exec(ctx, func(ctx context.Context) error {
		n.room.router.Connect(peerID, metadata)
		return nil
	})
}

// Send queues the message without waiting for the room to process it. It never blocks.
func (n *roomNetwork) Send(_ context.Context, msg *wire.Message) error {
	if msg.Data != nil && len(msg.Data) == 0 {
		return errors.WithStack(ErrZeroLengthMessage)
	}
	select {
	case <-n.room.done:
		return errors.WithStack(ErrRoomClosed)
	default:
	}
	n.room.router.Queue(msg)
	return nil
}

func (n *roomNetwork) Events() <-chan Event {
	return n.room.events
}
