package distribution

import (
	"context"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-ssz"

	"github.com/phoreproject/sentinel/p2p"
	"github.com/phoreproject/sentinel/primitives"
)

// ShardSyncMessage is the payload of a shard sync frame: one shard plus its
// metadata sidecar.
type ShardSyncMessage struct {
	Shard primitives.Shard
	Meta  primitives.ShardMetadataRecord
}

// DecodeShardSync decodes a shard sync payload.
func DecodeShardSync(payload []byte) (*ShardSyncMessage, error) {
	msg := new(ShardSyncMessage)
	if err := ssz.Unmarshal(payload, msg); err != nil {
		return nil, errors.Wrap(err, "could not decode shard sync message")
	}
	return msg, nil
}

// P2PTransport replicates shards over the connection manager's sync
// protocol. Target node IDs are libp2p peer IDs.
type P2PTransport struct {
	manager *p2p.ConnectionManager
}

// NewP2PTransport creates a transport over an existing connection manager.
func NewP2PTransport(manager *p2p.ConnectionManager) *P2PTransport {
	return &P2PTransport{manager: manager}
}

// SendShard sends one shard and its sidecar to a peer.
func (t *P2PTransport) SendShard(ctx context.Context, target []byte, shard *primitives.Shard, meta *primitives.ShardMetadataRecord) error {
	payload, err := ssz.Marshal(ShardSyncMessage{Shard: *shard, Meta: *meta})
	if err != nil {
		return err
	}
	return t.manager.Send(peer.ID(target), &p2p.Envelope{
		Type:    p2p.MsgShardSync,
		Payload: payload,
	})
}
