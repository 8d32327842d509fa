package p2p

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	logger "github.com/sirupsen/logrus"
)

// PeerState is the lifecycle state of a peer connection.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerOpen
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerOpen:
		return "open"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const sendTimeout = 5 * time.Second

// Peer is a representation of an external peer. One reader and one writer
// goroutine run per peer; everything else talks to the peer through the
// outgoing channel or by cancelling its context.
type Peer struct {
	ID       peer.ID
	Outbound bool

	manager *ConnectionManager

	stateLock        sync.Mutex
	state            PeerState
	heartbeatNonce   uint64
	heartbeatPending bool

	outgoing    chan *Envelope
	ctx         context.Context
	cancel      context.CancelFunc
	closeStream func()
}

func newPeer(manager *ConnectionManager, id peer.ID, outbound bool, stream network.Stream) *Peer {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Peer{
		ID:       id,
		Outbound: outbound,
		manager:  manager,
		state:    PeerConnecting,
		outgoing: make(chan *Envelope, 64),
		ctx:      ctx,
		cancel:   cancel,
		closeStream: func() {
			_ = stream.Reset()
		},
	}

	go p.writeLoop(bufio.NewWriter(stream))
	go p.readLoop(bufio.NewReader(stream))
	go p.waitClose()

	return p
}

func (p *Peer) writeLoop(writer *bufio.Writer) {
	for {
		select {
		case env := <-p.outgoing:
			logger.WithFields(logger.Fields{
				"peer":    p.ID,
				"message": MessageName(env.Type),
			}).Debug("sending message")
			if err := writeEnvelope(writer, env); err != nil {
				logger.WithField("peer", p.ID).Errorf("error writing message to peer: %s", err)
				p.cancel()
				return
			}
			if err := writer.Flush(); err != nil {
				p.cancel()
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Peer) readLoop(reader *bufio.Reader) {
	for {
		env, err := readEnvelope(reader)
		if err != nil {
			if err != io.EOF {
				logger.WithField("peer", p.ID).Debugf("error reading from peer: %s", err)
			}
			p.cancel()
			return
		}

		logger.WithFields(logger.Fields{
			"peer":    p.ID,
			"message": MessageName(env.Type),
		}).Debug("received message")

		if err := p.manager.dispatch(p, env); err != nil {
			logger.WithField("peer", p.ID).Errorf("error processing message from peer: %s", err)
			p.cancel()
			return
		}
	}
}

// waitClose tears the peer down once its context is cancelled, from any
// cause: Disconnect, a read/write error, or heartbeat eviction.
func (p *Peer) waitClose() {
	<-p.ctx.Done()

	p.setState(PeerClosed)
	p.closeStream()
	p.manager.removePeer(p)
}

// Send queues a message for the writer goroutine. The queue is bounded; a
// peer that stops draining it produces a timeout rather than blocking the
// caller forever.
func (p *Peer) Send(env *Envelope) error {
	if p.State() == PeerClosed {
		return ErrNotConnected
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case p.outgoing <- env:
		return nil
	case <-p.ctx.Done():
		return ErrNotConnected
	case <-timer.C:
		return ErrNotConnected
	}
}

// Disconnect disconnects from the peer cleanly. It is safe to call more
// than once.
func (p *Peer) Disconnect() {
	p.cancel()
}

// State returns the peer's lifecycle state.
func (p *Peer) State() PeerState {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	return p.state
}

func (p *Peer) setState(state PeerState) {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	if p.state == PeerClosed {
		return
	}
	p.state = state
}

// markHeartbeat records the nonce we are about to send and reports whether
// the previous one is still unacknowledged.
func (p *Peer) markHeartbeat(nonce uint64) (stale bool) {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	stale = p.heartbeatPending
	p.heartbeatNonce = nonce
	p.heartbeatPending = true
	return stale
}

// ackHeartbeat clears the pending heartbeat if the nonce matches.
func (p *Peer) ackHeartbeat(nonce uint64) {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	if p.heartbeatPending && p.heartbeatNonce == nonce {
		p.heartbeatPending = false
	}
}
