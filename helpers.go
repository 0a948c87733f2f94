package mergeparty

import (
	"github.com/google/uuid"

	"github.com/outofforest/mergeparty/wire"
)

func newPeerID() wire.PeerID {
	return wire.PeerID("peer-" + uuid.NewString())
}
