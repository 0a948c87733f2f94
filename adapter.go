package mergeparty

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/mergeparty/wire"
)

var (
	// ErrZeroLengthMessage is returned when message carries empty data payload.
	ErrZeroLengthMessage = errors.New("tried to send a zero-length message")

	// ErrHandleNotReady is returned by the repo when flush is requested before document handle is ready.
	ErrHandleNotReady = errors.New("document handle not ready")

	// ErrDocumentUnavailable is returned by the repo when document is momentarily unavailable.
	ErrDocumentUnavailable = errors.New("document unavailable")
)

// Conn is the transport channel of a single peer.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Frame is the frame received from the transport.
type Frame struct {
	Text bool
	Data []byte
}

// EventType is the type of event emitted to the synchronization engine.
type EventType int

// Event types.
const (
	EventPeerCandidate EventType = iota
	EventPeerDisconnected
	EventMessage
)

func (t EventType) String() string {
	switch t {
	case EventPeerCandidate:
		return "peer-candidate"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is emitted by the router to the synchronization engine.
type Event struct {
	Type     EventType
	PeerID   wire.PeerID
	Metadata wire.PeerMetadata
	Message  *wire.Message
}

// NetworkAdapter is the contract used by the synchronization engine to exchange messages with peers.
type NetworkAdapter interface {
	PeerID() wire.PeerID
	Connect(ctx context.Context, peerID wire.PeerID, metadata wire.PeerMetadata) error
	Send(ctx context.Context, msg *wire.Message) error
	Events() <-chan Event
}

// Repo is the part of the synchronization engine used by the storage bridge.
type Repo interface {
	// Find registers interest in the document. It must not block on network.
	Find(ctx context.Context, documentID wire.DocumentID) error

	// Flush persists pending changes to the storage.
	Flush(ctx context.Context) error
}

// HandleInfo describes document handle held by the repo.
type HandleInfo struct {
	DocumentID wire.DocumentID `json:"documentId"`
	Ready      bool            `json:"ready"`
}

// HandleLister is implemented by repos able to report their document handles.
type HandleLister interface {
	Handles() []HandleInfo
}

// RoomEnv describes the room the repo is created for.
type RoomEnv struct {
	Party string
	ID    string
}

// RepoFactory creates synchronization engine for the room.
type RepoFactory func(ctx context.Context, env RoomEnv, storage StorageAdapter, network NetworkAdapter) (Repo, error)
