package mergeparty_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/mergeparty"
	"github.com/outofforest/mergeparty/kv"
	"github.com/outofforest/mergeparty/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

// chanConn is the connection safe to be used from the room goroutine.
type chanConn struct {
	frames chan []byte
}

func newChanConn() *chanConn {
	return &chanConn{frames: make(chan []byte, 100)}
}

func (c *chanConn) Send(data []byte) error {
	c.frames <- data
	return nil
}

func (c *chanConn) Close() error {
	return nil
}

func (c *chanConn) next(ctx context.Context, t *testing.T) *wire.Message {
	select {
	case <-ctx.Done():
		require.NoError(t, ctx.Err())
		return nil
	case data := <-c.frames:
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		return msg
	}
}

type engine struct {
	env     mergeparty.RoomEnv
	peerID  wire.PeerID
	storage mergeparty.StorageAdapter
	network mergeparty.NetworkAdapter
	repo    *fakeRepo
}

func runRoom(ctx context.Context, t *testing.T, config mergeparty.RoomConfig) *mergeparty.Room {
	room := mergeparty.NewRoom(config)

	group := qa.NewGroup(ctx, t)
	t.Cleanup(func() {
		group.Exit(nil)
		require.NoError(t, group.Wait())
	})
	group.Spawn("room", parallel.Fail, room.Run)

	return room
}

func TestRoomRelaysBetweenPeers(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	room := runRoom(ctx, t, mergeparty.RoomConfig{Party: "main", ID: roomID})

	a, b := newChanConn(), newChanConn()
	requireT.NoError(room.Open(ctx, a))
	requireT.NoError(room.Open(ctx, b))
	requireT.NoError(room.Deliver(ctx, a, joinFrame(t, "a")))
	requireT.NoError(room.Deliver(ctx, b, joinFrame(t, "b")))

	requireT.Equal(routerID, a.next(ctx, t).SenderID)
	requireT.Equal(routerID, b.next(ctx, t).SenderID)
	requireT.Equal(wire.PeerID("a"), b.next(ctx, t).SenderID)
	requireT.Equal(wire.PeerID("b"), a.next(ctx, t).SenderID)

	health, err := room.Health(ctx)
	requireT.NoError(err)
	requireT.Equal(mergeparty.Health{Status: "ok", Room: roomID, ConnectedPeers: 2}, health)

	requireT.NoError(room.Deliver(ctx, a, mergeparty.Frame{Data: encode(t, &wire.Message{
		Type:     wire.TypeSync,
		SenderID: "a",
		TargetID: "b",
		Data:     []byte{0x01},
	})}))
	requireT.Equal([]byte{0x01}, b.next(ctx, t).Data)

	requireT.NoError(room.Close(ctx, a))
	health, err = room.Health(ctx)
	requireT.NoError(err)
	requireT.Equal(1, health.ConnectedPeers)

	storage, err := room.Storage(ctx)
	requireT.NoError(err)
	requireT.Nil(storage)
}

func TestRoomConnectsEngine(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	engineCh := make(chan engine, 1)
	store := kv.NewMemory()
	room := runRoom(ctx, t, mergeparty.RoomConfig{
		Party: "main",
		ID:    roomID,
		Store: store,
		RepoFactory: func(
			ctx context.Context,
			env mergeparty.RoomEnv,
			storage mergeparty.StorageAdapter,
			network mergeparty.NetworkAdapter,
		) (mergeparty.Repo, error) {
			peerID := network.PeerID()
			if err := network.Connect(ctx, "storage-peer", wire.PeerMetadata{StorageID: "s1"}); err != nil {
				return nil, err
			}
			repo := &fakeRepo{}
			engineCh <- engine{env: env, peerID: peerID, storage: storage, network: network, repo: repo}
			return repo, nil
		},
	})

	a := newChanConn()
	requireT.NoError(room.Open(ctx, a))
	e := <-engineCh
	requireT.Equal(mergeparty.RoomEnv{Party: "main", ID: roomID}, e.env)
	requireT.Equal(routerID, e.peerID)
	requireT.Equal(wire.PeerID("storage-peer"), e.network.PeerID())

	data, err := e.storage.Load(ctx, mergeparty.StorageKey{"storage-adapter-id"})
	requireT.NoError(err)
	requireT.Equal([]byte(routerID), data)

	requireT.NoError(room.Deliver(ctx, a, joinFrame(t, "a")))
	reply := a.next(ctx, t)
	requireT.Equal(wire.PeerID("storage-peer"), reply.SenderID)
	requireT.Equal(&wire.PeerMetadata{StorageID: "s1"}, reply.PeerMetadata)
	requireT.Equal(wire.PeerID("storage-peer"), a.next(ctx, t).SenderID)

	event := <-e.network.Events()
	requireT.Equal(mergeparty.EventPeerCandidate, event.Type)
	requireT.Equal(wire.PeerID("a"), event.PeerID)

	requireT.NoError(room.Deliver(ctx, a, mergeparty.Frame{Data: encode(t, &wire.Message{
		Type:       wire.TypeRequest,
		SenderID:   "a",
		TargetID:   "storage-peer",
		DocumentID: "doc1",
		Data:       []byte{0x01},
	})}))
	event = <-e.network.Events()
	requireT.Equal(mergeparty.EventMessage, event.Type)
	requireT.Equal(wire.DocumentID("doc1"), event.Message.DocumentID)

	requireT.NoError(e.network.Send(ctx, &wire.Message{
		Type:       wire.TypeSync,
		SenderID:   "storage-peer",
		TargetID:   "a",
		DocumentID: "doc1",
		Data:       []byte{0x02},
	}))
	requireT.Equal([]byte{0x02}, a.next(ctx, t).Data)

	err = e.network.Send(ctx, &wire.Message{Type: wire.TypeSync, TargetID: "a", Data: []byte{}})
	requireT.ErrorIs(err, mergeparty.ErrZeroLengthMessage)

	storage, err := room.Storage(ctx)
	requireT.NoError(err)
	report, err := storage.SelfTest(ctx)
	requireT.NoError(err)
	requireT.True(report.Success)
}

func TestRoomWithoutEngineDoesNotAnnounceStorage(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	room := runRoom(ctx, t, mergeparty.RoomConfig{Party: "main", ID: roomID, Store: kv.NewMemory()})

	a, b := newChanConn(), newChanConn()
	requireT.NoError(room.Open(ctx, a))
	requireT.NoError(room.Open(ctx, b))
	requireT.NoError(room.Deliver(ctx, a, joinFrame(t, "a")))
	requireT.NoError(room.Deliver(ctx, b, joinFrame(t, "b")))

	requireT.Equal(routerID, a.next(ctx, t).SenderID)
	requireT.Equal(routerID, b.next(ctx, t).SenderID)
	requireT.Equal(wire.PeerID("a"), b.next(ctx, t).SenderID)
	requireT.Equal(wire.PeerID("b"), a.next(ctx, t).SenderID)

	storage, err := room.Storage(ctx)
	requireT.NoError(err)
	requireT.NotNil(storage)
}

func TestEngineRepliesWhileDrainingEvents(t *testing.T) {
	const (
		peers    = 100
		requests = 20
	)

	requireT := require.New(t)
	ctx := qa.NewContext(t)

	engineCh := make(chan engine, 1)
	room := runRoom(ctx, t, mergeparty.RoomConfig{
		Party:       "main",
		ID:          roomID,
		Store:       kv.NewMemory(),
		EventBuffer: 1,
		RepoFactory: func(
			ctx context.Context,
			env mergeparty.RoomEnv,
			storage mergeparty.StorageAdapter,
			network mergeparty.NetworkAdapter,
		) (mergeparty.Repo, error) {
			if err := network.Connect(ctx, "storage-peer", wire.PeerMetadata{}); err != nil {
				return nil, err
			}
			repo := &fakeRepo{}
			engineCh <- engine{network: network, repo: repo}
			return repo, nil
		},
	})

	e := <-engineCh

	// Engine replies to each request from the goroutine receiving events.
	group := qa.NewGroup(ctx, t)
	t.Cleanup(func() {
		group.Exit(nil)
		require.NoError(t, group.Wait())
	})
	group.Spawn("engine", parallel.Fail, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case event := <-e.network.Events():
				if event.Type != mergeparty.EventMessage {
					continue
				}
				if err := e.network.Send(ctx, &wire.Message{
					Type:       wire.TypeSync,
					SenderID:   "storage-peer",
					TargetID:   event.Message.SenderID,
					DocumentID: event.Message.DocumentID,
					Data:       []byte{0x02},
				}); err != nil {
					return err
				}
			}
		}
	})

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conns := make([]*chanConn, 0, peers)
	for i := range peers {
		// Announcements of all the other peers and the replies must fit.
		c := &chanConn{frames: make(chan []byte, 2*peers+requests)}
		requireT.NoError(room.Open(ctx, c))
		requireT.NoError(room.Deliver(ctx, c, joinFrame(t, wire.PeerID(fmt.Sprintf("peer-%d", i)))))
		conns = append(conns, c)
	}

	requireT.NoError(parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for i, c := range conns {
			frame := mergeparty.Frame{Data: encode(t, &wire.Message{
				Type:       wire.TypeRequest,
				SenderID:   wire.PeerID(fmt.Sprintf("peer-%d", i)),
				TargetID:   "storage-peer",
				DocumentID: "doc1",
				Data:       []byte{0x01},
			})}
			spawn(fmt.Sprintf("peer-%d", i), parallel.Continue, func(ctx context.Context) error {
				for range requests {
					if err := room.Deliver(ctx, c, frame); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return nil
	}))

	for _, c := range conns {
		var replies int
		for replies < requests {
			if c.next(ctx, t).Type == wire.TypeSync {
				replies++
			}
		}
	}
}

func TestRoomFailsIfRepoCannotBeCreated(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	room := mergeparty.NewRoom(mergeparty.RoomConfig{
		ID:    roomID,
		Store: kv.NewMemory(),
		RepoFactory: func(context.Context, mergeparty.RoomEnv, mergeparty.StorageAdapter,
			mergeparty.NetworkAdapter,
		) (mergeparty.Repo, error) {
			return nil, errors.New("boom")
		},
	})

	requireT.Error(room.Run(ctx))
	requireT.ErrorIs(room.Open(ctx, newChanConn()), mergeparty.ErrRoomClosed)
}
