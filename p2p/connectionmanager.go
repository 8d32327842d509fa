package p2p

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	peerstore "github.com/libp2p/go-libp2p-peerstore"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"

	"github.com/phoreproject/sentinel/audit"
)

var (
	// ErrNotAuthorized is returned when a peer is not in the trusted peer list.
	ErrNotAuthorized = errors.New("peer is not in the trusted peer list")

	// ErrNotConnected is returned when sending to a peer with no open connection.
	ErrNotConnected = errors.New("peer is not connected")

	// ErrConnection is returned when the transport could not reach the peer.
	ErrConnection = errors.New("could not establish connection to peer")
)

// SyncProtocolID is the protocol ID used for shard and block sync.
const SyncProtocolID = protocol.ID("/sentinel/sync/1.0.0")

const dialTimeout = 10 * time.Second

// MessageHandler is a function called when a message of a registered type
// arrives from a peer.
type MessageHandler func(peer *Peer, payload []byte) error

// ConnectionManagerOptions configures the connection manager.
type ConnectionManagerOptions struct {
	ListenAddress multiaddr.Multiaddr
	PrivateKey    crypto.PrivKey

	// TrustedPeers is the allow-list. Empty means any peer may connect.
	TrustedPeers []peer.ID

	// HeartbeatInterval is how often the liveness sweep runs. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
}

// ConnectionManager owns the libp2p host, the registry of live peers, and
// message dispatch. At most one live peer entry exists per ID.
type ConnectionManager struct {
	host   host.Host
	ctx    context.Context
	cancel context.CancelFunc
	sink   audit.Sink
	log    *logger.Entry

	allowed map[peer.ID]struct{}

	peerLock sync.RWMutex
	peers    map[peer.ID]*Peer

	handlerLock sync.RWMutex
	handlers    map[uint64][]MessageHandler

	heartbeatInterval time.Duration
	heartbeatCounter  uint64
}

// NewConnectionManager starts a libp2p host listening on the given address
// and begins the heartbeat sweep.
func NewConnectionManager(ctx context.Context, options ConnectionManagerOptions, sink audit.Sink) (*ConnectionManager, error) {
	ctx, cancel := context.WithCancel(ctx)

	h, err := libp2p.New(
		ctx,
		libp2p.ListenAddrs(options.ListenAddress),
		libp2p.Identity(options.PrivateKey),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	for _, a := range h.Addrs() {
		logger.WithField("addr", a).Info("binding to address")
	}

	allowed := make(map[peer.ID]struct{}, len(options.TrustedPeers))
	for _, id := range options.TrustedPeers {
		allowed[id] = struct{}{}
	}

	cm := &ConnectionManager{
		host:              h,
		ctx:               ctx,
		cancel:            cancel,
		sink:              sink,
		log:               logger.WithField("module", "p2p"),
		allowed:           allowed,
		peers:             make(map[peer.ID]*Peer),
		handlers:          make(map[uint64][]MessageHandler),
		heartbeatInterval: options.HeartbeatInterval,
	}

	if len(allowed) == 0 {
		cm.log.Warn("no trusted peers configured; accepting connections from any peer")
	}

	h.SetStreamHandler(SyncProtocolID, cm.handleStream)

	if cm.heartbeatInterval > 0 {
		go cm.heartbeatLoop()
	}

	return cm, nil
}

// HostID returns the peer ID of the local host.
func (cm *ConnectionManager) HostID() peer.ID {
	return cm.host.ID()
}

// Addrs returns the addresses the host is listening on.
func (cm *ConnectionManager) Addrs() []multiaddr.Multiaddr {
	return cm.host.Addrs()
}

func (cm *ConnectionManager) authorized(id peer.ID) bool {
	if len(cm.allowed) == 0 {
		return true
	}
	_, ok := cm.allowed[id]
	return ok
}

// handleStream handles an incoming stream.
func (cm *ConnectionManager) handleStream(stream network.Stream) {
	id := stream.Conn().RemotePeer()
	if !cm.authorized(id) {
		cm.log.WithField("peer", id).Warn("rejecting connection from untrusted peer")
		cm.sink.Record(audit.EventPeer, map[string]interface{}{
			"peer":  id.String(),
			"event": "rejected",
		})
		_ = stream.Reset()
		return
	}
	cm.addPeer(id, false, stream)
}

func (cm *ConnectionManager) addPeer(id peer.ID, outbound bool, stream network.Stream) *Peer {
	cm.peerLock.Lock()
	if existing, found := cm.peers[id]; found && existing.State() != PeerClosed {
		cm.peerLock.Unlock()
		_ = stream.Reset()
		return existing
	}
	p := newPeer(cm, id, outbound, stream)
	cm.peers[id] = p
	cm.peerLock.Unlock()

	p.setState(PeerOpen)

	cm.log.WithFields(logger.Fields{
		"peer":     id,
		"outbound": outbound,
	}).Info("peer connected")
	cm.sink.Record(audit.EventPeer, map[string]interface{}{
		"peer":  id.String(),
		"event": "connected",
	})

	return p
}

// Connect dials a peer, opens the sync stream, and registers it. Connecting
// to an already connected peer returns the existing handle.
func (cm *ConnectionManager) Connect(pi peer.AddrInfo) (*Peer, error) {
	if pi.ID == cm.host.ID() {
		return nil, errors.New("cannot connect to self")
	}
	if !cm.authorized(pi.ID) {
		return nil, ErrNotAuthorized
	}

	cm.peerLock.RLock()
	existing, found := cm.peers[pi.ID]
	cm.peerLock.RUnlock()
	if found && existing.State() != PeerClosed {
		return existing, nil
	}

	dialCtx, cancel := context.WithTimeout(cm.ctx, dialTimeout)
	defer cancel()

	if err := cm.host.Connect(dialCtx, pi); err != nil {
		return nil, errors.Wrapf(ErrConnection, "dialing %s: %s", pi.ID, err)
	}

	cm.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)

	stream, err := cm.host.NewStream(cm.ctx, pi.ID, SyncProtocolID)
	if err != nil {
		return nil, errors.Wrapf(ErrConnection, "opening stream to %s: %s", pi.ID, err)
	}

	return cm.addPeer(pi.ID, true, stream), nil
}

// Disconnect closes the connection to a peer. Disconnecting a peer that is
// not connected is a no-op.
func (cm *ConnectionManager) Disconnect(id peer.ID) {
	cm.peerLock.RLock()
	p, found := cm.peers[id]
	cm.peerLock.RUnlock()
	if !found {
		return
	}
	p.Disconnect()
}

// removePeer drops a closed peer from the registry.
func (cm *ConnectionManager) removePeer(p *Peer) {
	cm.peerLock.Lock()
	if current, found := cm.peers[p.ID]; found && current == p {
		delete(cm.peers, p.ID)
	}
	cm.peerLock.Unlock()

	cm.log.WithField("peer", p.ID).Info("peer disconnected")
	cm.sink.Record(audit.EventPeer, map[string]interface{}{
		"peer":  p.ID.String(),
		"event": "disconnected",
	})
}

// GetPeer returns the live peer for an ID, if any.
func (cm *ConnectionManager) GetPeer(id peer.ID) (*Peer, bool) {
	cm.peerLock.RLock()
	defer cm.peerLock.RUnlock()
	p, found := cm.peers[id]
	return p, found
}

// PeerList returns a snapshot of every registered peer.
func (cm *ConnectionManager) PeerList() []*Peer {
	cm.peerLock.RLock()
	defer cm.peerLock.RUnlock()
	peers := make([]*Peer, 0, len(cm.peers))
	for _, p := range cm.peers {
		peers = append(peers, p)
	}
	return peers
}

// PeersConnected returns how many peers are open.
func (cm *ConnectionManager) PeersConnected() int {
	count := 0
	for _, p := range cm.PeerList() {
		if p.State() == PeerOpen {
			count++
		}
	}
	return count
}

// Send sends a message to one peer.
func (cm *ConnectionManager) Send(id peer.ID, env *Envelope) error {
	cm.peerLock.RLock()
	p, found := cm.peers[id]
	cm.peerLock.RUnlock()
	if !found {
		return ErrNotConnected
	}
	return p.Send(env)
}

// BroadcastResult reports the per-peer outcome of a broadcast.
type BroadcastResult struct {
	Sent   []peer.ID
	Failed map[peer.ID]error
}

// AllSent reports whether every registered peer received the message.
func (r *BroadcastResult) AllSent() bool {
	return len(r.Failed) == 0
}

// Broadcast sends a message to every registered peer. Failures are
// collected per peer; one unreachable peer never fails the broadcast.
func (cm *ConnectionManager) Broadcast(env *Envelope) *BroadcastResult {
	result := &BroadcastResult{
		Failed: make(map[peer.ID]error),
	}

	for _, p := range cm.PeerList() {
		if p.State() != PeerOpen {
			result.Failed[p.ID] = ErrNotConnected
			continue
		}
		if err := p.Send(env); err != nil {
			result.Failed[p.ID] = err
			continue
		}
		result.Sent = append(result.Sent, p.ID)
	}

	if len(result.Failed) > 0 {
		cm.log.WithFields(logger.Fields{
			"message": MessageName(env.Type),
			"sent":    len(result.Sent),
			"failed":  len(result.Failed),
		}).Warn("broadcast reached only part of the peer set")
	}

	return result
}

// RegisterHandler registers a handler for a message type. Multiple handlers
// for the same type run in registration order.
func (cm *ConnectionManager) RegisterHandler(messageType uint64, handler MessageHandler) {
	cm.handlerLock.Lock()
	defer cm.handlerLock.Unlock()
	cm.handlers[messageType] = append(cm.handlers[messageType], handler)
}

// dispatch routes one received frame. Heartbeats are handled here; anything
// else goes to the registered handlers for its type.
func (cm *ConnectionManager) dispatch(p *Peer, env *Envelope) error {
	switch env.Type {
	case MsgHeartbeat:
		hb, err := DecodeHeartbeat(env.Payload)
		if err != nil {
			return err
		}
		ack, err := NewHeartbeatEnvelope(MsgHeartbeatAck, hb.Nonce)
		if err != nil {
			return err
		}
		return p.Send(ack)
	case MsgHeartbeatAck:
		hb, err := DecodeHeartbeat(env.Payload)
		if err != nil {
			return err
		}
		p.ackHeartbeat(hb.Nonce)
		return nil
	}

	cm.handlerLock.RLock()
	handlers := cm.handlers[env.Type]
	cm.handlerLock.RUnlock()

	if len(handlers) == 0 {
		cm.log.WithFields(logger.Fields{
			"peer":    p.ID,
			"message": MessageName(env.Type),
		}).Warn("dropping message with no handler")
		return nil
	}

	for _, handler := range handlers {
		if err := handler(p, env.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (cm *ConnectionManager) heartbeatLoop() {
	ticker := time.NewTicker(cm.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.sweepHeartbeats()
		case <-cm.ctx.Done():
			return
		}
	}
}

// sweepHeartbeats is the only liveness mechanism: a peer that has not acked
// the previous sweep's nonce by the next tick is evicted.
func (cm *ConnectionManager) sweepHeartbeats() {
	for _, p := range cm.PeerList() {
		if p.State() != PeerOpen {
			continue
		}

		nonce := atomic.AddUint64(&cm.heartbeatCounter, 1)
		if stale := p.markHeartbeat(nonce); stale {
			cm.log.WithField("peer", p.ID).Warn("evicting unresponsive peer")
			cm.sink.Record(audit.EventPeer, map[string]interface{}{
				"peer":  p.ID.String(),
				"event": "evicted",
			})
			p.Disconnect()
			continue
		}

		env, err := NewHeartbeatEnvelope(MsgHeartbeat, nonce)
		if err != nil {
			cm.log.Errorf("could not build heartbeat: %s", err)
			continue
		}
		if err := p.Send(env); err != nil {
			p.Disconnect()
		}
	}
}

// Close disconnects every peer and shuts the host down.
func (cm *ConnectionManager) Close() error {
	for _, p := range cm.PeerList() {
		p.Disconnect()
	}
	cm.cancel()
	return cm.host.Close()
}
