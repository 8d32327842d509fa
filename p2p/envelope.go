package p2p

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/prysmaticlabs/go-ssz"
)

// Message types carried over the sync protocol.
const (
	MsgShardRequest uint64 = iota + 1
	MsgSyncData
	MsgShardSync
	MsgBlockUpdate
	MsgHeartbeat
	MsgHeartbeatAck
)

// MessageName returns a human-readable name for a message type.
func MessageName(messageType uint64) string {
	switch messageType {
	case MsgShardRequest:
		return "shard_request"
	case MsgSyncData:
		return "sync_data"
	case MsgShardSync:
		return "shard_sync"
	case MsgBlockUpdate:
		return "block_update"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Envelope is the single frame format on the wire. Payload is the
// ssz-encoded message for Type.
type Envelope struct {
	Type    uint64
	Payload []byte
}

// Heartbeat is the payload of MsgHeartbeat and MsgHeartbeatAck.
type Heartbeat struct {
	Nonce uint64
}

// maxMessageSize bounds a single frame so a bad peer cannot make us
// allocate arbitrarily much.
const maxMessageSize = 1 << 24

// writeEnvelope writes one length-prefixed frame.
func writeEnvelope(w io.Writer, env *Envelope) error {
	data, err := ssz.Marshal(*env)
	if err != nil {
		return err
	}
	if len(data) > maxMessageSize {
		return errors.Errorf("message size %d exceeds maximum %d", len(data), maxMessageSize)
	}

	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(data)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readEnvelope reads one length-prefixed frame.
func readEnvelope(r io.Reader) (*Envelope, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(length[:])
	if size > maxMessageSize {
		return nil, errors.Errorf("message size %d exceeds maximum %d", size, maxMessageSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	env := new(Envelope)
	if err := ssz.Unmarshal(data, env); err != nil {
		return nil, errors.Wrap(err, "could not decode envelope")
	}
	return env, nil
}

// NewHeartbeatEnvelope builds a heartbeat or heartbeat ack frame.
func NewHeartbeatEnvelope(messageType uint64, nonce uint64) (*Envelope, error) {
	payload, err := ssz.Marshal(Heartbeat{Nonce: nonce})
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: messageType, Payload: payload}, nil
}

// DecodeHeartbeat decodes the payload of a heartbeat frame.
func DecodeHeartbeat(payload []byte) (*Heartbeat, error) {
	hb := new(Heartbeat)
	if err := ssz.Unmarshal(payload, hb); err != nil {
		return nil, errors.Wrap(err, "could not decode heartbeat")
	}
	return hb, nil
}
