package config

import (
	"encoding/hex"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"

	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/validation"
)

// Options for the sentinel node module.
type Options struct {
	Listen              string   `yaml:"listen_addr" cli:"listen" desc:"multiaddr to listen for peers on"`
	TrustedPeers        []string `yaml:"trusted_peers" cli:"trustedpeers" desc:"multiaddrs of trusted peers, comma separated"`
	Validators          []string `yaml:"validators" cli:"validators" desc:"hex public keys of quorum validators, comma separated"`
	QuorumThreshold     int      `yaml:"quorum_threshold" cli:"quorumthreshold" desc:"votes needed to accept a block"`
	MaxInputs           int      `yaml:"max_inputs" cli:"maxinputs" desc:"maximum inputs per transaction"`
	MaxOutputs          int      `yaml:"max_outputs" cli:"maxoutputs" desc:"maximum outputs per transaction"`
	MaxTimestampDriftMs uint64   `yaml:"max_timestamp_drift_ms" cli:"maxdrift" desc:"maximum transaction timestamp drift in ms"`
	HeartbeatIntervalMs uint64   `yaml:"heartbeat_interval_ms" cli:"heartbeat" desc:"peer heartbeat sweep interval in ms"`
	ReplicationAttempts int      `yaml:"replication_attempts" cli:"replicationattempts" desc:"transfer attempts per shard and target"`
	LinkagePolicy       string   `yaml:"linkage_policy" cli:"linkagepolicy" desc:"unlinked block policy: defer or reject"`
	ReportDir           string   `yaml:"report_dir" cli:"reportdir" desc:"directory for integrity report artifacts"`
}

// NewOptions creates an Options with default values.
func NewOptions() Options {
	return Options{
		Listen:              "/ip4/0.0.0.0/tcp/21781",
		QuorumThreshold:     1,
		MaxInputs:           16,
		MaxOutputs:          16,
		MaxTimestampDriftMs: uint64((10 * time.Minute) / time.Millisecond),
		HeartbeatIntervalMs: uint64((8 * time.Second) / time.Millisecond),
		ReplicationAttempts: 3,
		LinkagePolicy:       "defer",
	}
}

// NodeConfig is the parsed config passed into the node app.
type NodeConfig struct {
	ListenAddress     multiaddr.Multiaddr
	TrustedPeers      []peer.AddrInfo
	Validators        []*bls.PublicKey
	QuorumThreshold   int
	MaxInputs         int
	MaxOutputs        int
	MaxTimestampDrift time.Duration
	HeartbeatInterval time.Duration

	ReplicationAttempts int
	LinkagePolicy       validation.LinkagePolicy
	ReportDir           string
	DataDir             string
}

// ParseOptions validates the raw options and resolves them into a NodeConfig.
// Missing or malformed required fields are fatal at startup.
func ParseOptions(options Options, dataDir string) (*NodeConfig, error) {
	if options.Listen == "" {
		return nil, errors.New("listen_addr is required")
	}
	listen, err := multiaddr.NewMultiaddr(options.Listen)
	if err != nil {
		return nil, errors.Wrap(err, "invalid listen_addr")
	}

	if options.MaxInputs < 1 || options.MaxOutputs < 1 {
		return nil, errors.New("max_inputs and max_outputs must be at least 1")
	}
	if options.ReplicationAttempts < 1 {
		return nil, errors.New("replication_attempts must be at least 1")
	}

	var policy validation.LinkagePolicy
	switch options.LinkagePolicy {
	case "", "defer":
		policy = validation.LinkageDefer
	case "reject":
		policy = validation.LinkageReject
	default:
		return nil, errors.Errorf("unknown linkage_policy %q (expected: defer or reject)", options.LinkagePolicy)
	}

	trusted := make([]peer.AddrInfo, 0, len(options.TrustedPeers))
	for _, addr := range options.TrustedPeers {
		if addr == "" {
			continue
		}
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid trusted peer %q", addr)
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid trusted peer %q", addr)
		}
		trusted = append(trusted, *pi)
	}

	validators := make([]*bls.PublicKey, 0, len(options.Validators))
	for _, keyHex := range options.Validators {
		if keyHex == "" {
			continue
		}
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid validator key %q", keyHex)
		}
		pub, err := bls.DeserializePublicKey(keyBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid validator key %q", keyHex)
		}
		validators = append(validators, pub)
	}
	if len(validators) > 0 && options.QuorumThreshold > len(validators) {
		return nil, errors.Errorf("quorum_threshold %d exceeds validator count %d", options.QuorumThreshold, len(validators))
	}

	return &NodeConfig{
		ListenAddress:       listen,
		TrustedPeers:        trusted,
		Validators:          validators,
		QuorumThreshold:     options.QuorumThreshold,
		MaxInputs:           options.MaxInputs,
		MaxOutputs:          options.MaxOutputs,
		MaxTimestampDrift:   time.Duration(options.MaxTimestampDriftMs) * time.Millisecond,
		HeartbeatInterval:   time.Duration(options.HeartbeatIntervalMs) * time.Millisecond,
		ReplicationAttempts: options.ReplicationAttempts,
		LinkagePolicy:       policy,
		ReportDir:           options.ReportDir,
		DataDir:             dataDir,
	}, nil
}
