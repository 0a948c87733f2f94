package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

const targetIDField = "targetId"

var (
	encMode = mustEncMode()
	decMode = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	m, err := cbor.EncOptions{Sort: cbor.SortCoreDeterministic}.EncMode()
	if err != nil {
		panic(err)
	}
	return m
}

func mustDecMode() cbor.DecMode {
	m, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return m
}

// Encode encodes message to CBOR frame.
func Encode(msg *Message) ([]byte, error) {
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

// Decode decodes CBOR frame to message.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}

	msg := &Message{}
	if err := decMode.Unmarshal(data, msg); err != nil {
		return nil, errors.WithStack(err)
	}
	if msg.Type == "" {
		return nil, errors.New("message type missing")
	}
	return msg, nil
}

// Header holds the fields identifying the sender of the frame.
type Header struct {
	Type     Type `cbor:"type"`
	SenderID any  `cbor:"senderId"`
}

// DecodeHeader decodes the header of the frame, the other fields are skipped even if they are malformed.
func DecodeHeader(data []byte) (*Header, error) {
	h := &Header{}
	if err := decMode.Unmarshal(data, h); err != nil {
		return nil, errors.WithStack(err)
	}
	return h, nil
}

// Retarget re-encodes the frame with target ID replaced.
// All the other fields, including the ones unknown to Message, are preserved byte for byte.
func Retarget(data []byte, targetID PeerID) ([]byte, error) {
	fields := map[string]cbor.RawMessage{}
	if err := decMode.Unmarshal(data, &fields); err != nil {
		return nil, errors.WithStack(err)
	}

	target, err := encMode.Marshal(string(targetID))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fields[targetIDField] = target

	out, err := encMode.Marshal(fields)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}
