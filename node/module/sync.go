package module

import (
	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-ssz"
	logger "github.com/sirupsen/logrus"

	"github.com/phoreproject/sentinel/chain"
	"github.com/phoreproject/sentinel/chainhash"
	"github.com/phoreproject/sentinel/distribution"
	"github.com/phoreproject/sentinel/p2p"
	"github.com/phoreproject/sentinel/primitives"
	"github.com/phoreproject/sentinel/store"
	"github.com/phoreproject/sentinel/validation"
)

// ShardRequest asks a peer for one shard and its metadata.
type ShardRequest struct {
	ShardID primitives.ShardID
}

// SyncRequest asks a peer for every block above FromHeight.
type SyncRequest struct {
	FromHeight uint64
}

// SyncManager wires the sync protocol messages to the local chain, shard
// store, and block pipeline.
type SyncManager struct {
	manager  *p2p.ConnectionManager
	chain    chain.Chain
	store    store.ShardStore
	pipeline *validation.Pipeline
	log      *logger.Entry
}

// NewSyncManager creates a sync manager and registers its message handlers.
func NewSyncManager(manager *p2p.ConnectionManager, c chain.Chain, s store.ShardStore, pipeline *validation.Pipeline) *SyncManager {
	sm := &SyncManager{
		manager:  manager,
		chain:    c,
		store:    s,
		pipeline: pipeline,
		log:      logger.WithField("module", "sync"),
	}

	manager.RegisterHandler(p2p.MsgBlockUpdate, sm.handleBlockUpdate)
	manager.RegisterHandler(p2p.MsgSyncData, sm.handleSyncRequest)
	manager.RegisterHandler(p2p.MsgShardRequest, sm.handleShardRequest)
	manager.RegisterHandler(p2p.MsgShardSync, sm.handleShardSync)

	return sm
}

// Start begins rebroadcasting accepted blocks to the peer set.
func (sm *SyncManager) Start() {
	tipChan := sm.pipeline.TipNotifier.Watch()
	go func() {
		for newTip := range tipChan {
			tip, ok := newTip.(chainhash.Hash)
			if !ok {
				continue
			}
			block, err := sm.chain.GetBlock(tip)
			if err != nil {
				sm.log.Errorf("could not load tip block for broadcast: %s", err)
				continue
			}
			payload, err := ssz.Marshal(*block)
			if err != nil {
				sm.log.Errorf("could not encode tip block: %s", err)
				continue
			}
			sm.manager.Broadcast(&p2p.Envelope{Type: p2p.MsgBlockUpdate, Payload: payload})
		}
	}()
}

func (sm *SyncManager) handleBlockUpdate(peer *p2p.Peer, payload []byte) error {
	block := new(primitives.Block)
	if err := ssz.Unmarshal(payload, block); err != nil {
		return errors.Wrap(err, "could not decode block update")
	}

	result := sm.pipeline.ProcessBlock(block)

	// a deferred block from a taller chain means we're behind; ask the
	// sender for everything we're missing
	if result.Status == validation.Deferred && block.Header.Index > sm.chain.Height() {
		request, err := ssz.Marshal(SyncRequest{FromHeight: sm.chain.Height()})
		if err != nil {
			return err
		}
		return peer.Send(&p2p.Envelope{Type: p2p.MsgSyncData, Payload: request})
	}
	return nil
}

func (sm *SyncManager) handleSyncRequest(peer *p2p.Peer, payload []byte) error {
	request := new(SyncRequest)
	if err := ssz.Unmarshal(payload, request); err != nil {
		return errors.Wrap(err, "could not decode sync request")
	}

	height := sm.chain.Height()
	if request.FromHeight >= height {
		return nil
	}

	// walk back from the tip, then replay oldest-first
	blocks := make([]*primitives.Block, 0, height-request.FromHeight)
	hash := sm.chain.TipHash()
	for i := height; i > request.FromHeight; i-- {
		block, err := sm.chain.GetBlock(hash)
		if err != nil {
			return err
		}
		blocks = append(blocks, block)
		hash = block.Header.PrevHash
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		encoded, err := ssz.Marshal(*blocks[i])
		if err != nil {
			return err
		}
		if err := peer.Send(&p2p.Envelope{Type: p2p.MsgBlockUpdate, Payload: encoded}); err != nil {
			return err
		}
	}
	return nil
}

func (sm *SyncManager) handleShardRequest(peer *p2p.Peer, payload []byte) error {
	request := new(ShardRequest)
	if err := ssz.Unmarshal(payload, request); err != nil {
		return errors.Wrap(err, "could not decode shard request")
	}

	shard, err := sm.store.GetShard(request.ShardID)
	if err != nil {
		sm.log.WithField("shard", request.ShardID.String()).Debug("requested shard not found")
		return nil
	}
	meta, err := sm.store.GetMetadata(request.ShardID)
	if err != nil {
		return nil
	}

	encoded, err := ssz.Marshal(distribution.ShardSyncMessage{Shard: *shard, Meta: *meta})
	if err != nil {
		return err
	}
	return peer.Send(&p2p.Envelope{Type: p2p.MsgShardSync, Payload: encoded})
}

func (sm *SyncManager) handleShardSync(peer *p2p.Peer, payload []byte) error {
	msg, err := distribution.DecodeShardSync(payload)
	if err != nil {
		return err
	}

	if !msg.Shard.VerifyHash() {
		sm.log.WithFields(logger.Fields{
			"peer":  peer.ID,
			"shard": msg.Shard.ID.String(),
		}).Warn("dropping shard with mismatched digest")
		return nil
	}

	if err := sm.store.PutShard(&msg.Shard, &msg.Meta); err != nil {
		sm.log.WithField("shard", msg.Shard.ID.String()).Warnf("could not store synced shard: %s", err)
		return nil
	}

	sm.log.WithField("shard", msg.Shard.ID.String()).Debug("stored synced shard")
	return nil
}
