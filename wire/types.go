package wire

// ProtocolV1 is the only protocol version supported by the relay.
const ProtocolV1 = "1"

type (
	// Type is the message type discriminator.
	Type string

	// PeerID identifies a synchronization participant.
	PeerID string

	// DocumentID identifies a CRDT document.
	DocumentID string
)

// Message types.
const (
	TypeJoin                     Type = "join"
	TypePeer                     Type = "peer"
	TypeSync                     Type = "sync"
	TypeRequest                  Type = "request"
	TypeError                    Type = "error"
	TypeDocUnavailable           Type = "doc-unavailable"
	TypeEphemeral                Type = "ephemeral"
	TypeRemoteHeadsChanged       Type = "remote-heads-changed"
	TypeRemoteSubscriptionChange Type = "remote-subscription-change"
)

// PeerMetadata describes the peer to other peers.
type PeerMetadata struct {
	StorageID   string `cbor:"storageId,omitempty" json:"storageId,omitempty"`
	IsEphemeral bool   `cbor:"isEphemeral,omitempty" json:"isEphemeral,omitempty"`
}

// Message is the frame exchanged over the websocket.
// Fields not used by the message type are left empty.
type Message struct {
	Type     Type   `cbor:"type"`
	SenderID PeerID `cbor:"senderId,omitempty"`
	TargetID PeerID `cbor:"targetId,omitempty"`

	// join
	SupportedProtocolVersions []string `cbor:"supportedProtocolVersions,omitempty"`

	// peer
	SelectedProtocolVersion string `cbor:"selectedProtocolVersion,omitempty"`

	// join, peer
	PeerMetadata *PeerMetadata `cbor:"peerMetadata,omitempty"`

	// sync, request, doc-unavailable, ephemeral
	DocumentID DocumentID `cbor:"documentId,omitempty"`
	Data       []byte     `cbor:"data,omitempty"`

	// error
	Message string `cbor:"message,omitempty"`
}
