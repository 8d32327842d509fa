package module

import (
	"context"
	"crypto/rand"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/mitchellh/go-homedir"
	logger "github.com/sirupsen/logrus"

	"github.com/phoreproject/sentinel/audit"
	"github.com/phoreproject/sentinel/bls"
	"github.com/phoreproject/sentinel/chain"
	"github.com/phoreproject/sentinel/chainhash"
	"github.com/phoreproject/sentinel/consensus"
	"github.com/phoreproject/sentinel/distribution"
	"github.com/phoreproject/sentinel/integrity"
	"github.com/phoreproject/sentinel/node/config"
	"github.com/phoreproject/sentinel/p2p"
	"github.com/phoreproject/sentinel/store"
	"github.com/phoreproject/sentinel/validation"
)

// NodeApp contains the high level state and workflow of a sentinel node.
type NodeApp struct {
	config *config.NodeConfig

	store        store.ShardStore
	chain        chain.Chain
	checker      *integrity.Checker
	pipeline     *validation.Pipeline
	manager      *p2p.ConnectionManager
	orchestrator *distribution.Orchestrator
	syncManager  *SyncManager
	sink         audit.Sink

	ctx    context.Context
	cancel context.CancelFunc

	exitChan chan struct{}
}

// NewNodeApp wires a node from its parsed config.
func NewNodeApp(cfg *config.NodeConfig) (*NodeApp, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &NodeApp{
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
		exitChan: make(chan struct{}),
	}

	if err := app.loadStorage(); err != nil {
		cancel()
		return nil, err
	}
	if err := app.loadPipeline(); err != nil {
		cancel()
		return nil, err
	}
	if err := app.loadP2P(); err != nil {
		cancel()
		return nil, err
	}

	signalHandler := make(chan os.Signal, 1)
	signal.Notify(signalHandler, os.Interrupt, syscall.SIGTERM)
	go app.listenForInterrupt(signalHandler)

	return app, nil
}

func (app *NodeApp) loadStorage() error {
	dir, err := homedir.Expand(app.config.DataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	logger.Info("initializing shard store")
	shardStore, err := store.NewBadgerStore(filepath.Join(dir, "shards"))
	if err != nil {
		return err
	}
	app.store = shardStore

	logger.Info("initializing chain")
	genesis := chainhash.HashH([]byte("sentinel genesis"))
	blockChain, err := chain.NewBadgerChain(filepath.Join(dir, "chain"), genesis)
	if err != nil {
		return err
	}
	app.chain = blockChain

	return nil
}

func (app *NodeApp) loadPipeline() error {
	app.sink = audit.NewLogSink(1024)
	app.checker = integrity.NewChecker(app.store, app.sink, app.config.ReportDir)

	scheme := bls.BLSScheme{}

	txValidator := validation.NewTxValidator(validation.TxConfig{
		MaxInputs:         app.config.MaxInputs,
		MaxOutputs:        app.config.MaxOutputs,
		MaxTimestampDrift: app.config.MaxTimestampDrift,
		Scheme:            scheme,
	}, app.checker, nil)

	var oracle consensus.Oracle
	if len(app.config.Validators) > 0 {
		oracle = consensus.NewQuorumOracle(app.config.Validators, app.config.QuorumThreshold)
	} else {
		logger.Warn("no validators configured, accepting any locally valid block")
		oracle = consensus.AcceptAll{}
	}

	blockValidator := validation.NewBlockValidator(app.chain, txValidator, app.checker, scheme, oracle, app.config.LinkagePolicy)
	app.pipeline = validation.NewPipeline(blockValidator, app.chain, app.sink)

	return nil
}

func (app *NodeApp) loadP2P() error {
	logger.Info("loading P2P")

	priv, err := app.getHostKey()
	if err != nil {
		return err
	}

	trustedIDs := make([]peer.ID, 0, len(app.config.TrustedPeers))
	for _, pi := range app.config.TrustedPeers {
		trustedIDs = append(trustedIDs, pi.ID)
	}

	manager, err := p2p.NewConnectionManager(app.ctx, p2p.ConnectionManagerOptions{
		ListenAddress:     app.config.ListenAddress,
		PrivateKey:        priv,
		TrustedPeers:      trustedIDs,
		HeartbeatInterval: app.config.HeartbeatInterval,
	}, app.sink)
	if err != nil {
		return err
	}
	app.manager = manager

	transport := distribution.NewP2PTransport(manager)
	app.orchestrator = distribution.NewOrchestrator(app.store, app.checker, transport, nil, app.config.ReplicationAttempts, app.sink)

	app.syncManager = NewSyncManager(manager, app.chain, app.store, app.pipeline)

	return nil
}

// getHostKey loads the persistent libp2p identity, generating one on first
// start.
func (app *NodeApp) getHostKey() (crypto.PrivKey, error) {
	dir, err := homedir.Expand(app.config.DataDir)
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Join(dir, "node_key")

	if keyBytes, err := ioutil.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(keyBytes)
	}

	logger.Debug("private key not found, generating...")
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	keyBytes, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := ioutil.WriteFile(keyPath, keyBytes, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

// Run starts the sync manager, dials the trusted peers, and blocks until
// shutdown.
func (app *NodeApp) Run() error {
	app.syncManager.Start()

	for _, pi := range app.config.TrustedPeers {
		if _, err := app.manager.Connect(pi); err != nil {
			logger.WithField("peer", pi.ID).Warnf("could not connect to trusted peer: %s", err)
		}
	}

	logger.WithFields(logger.Fields{
		"host":   app.manager.HostID().String(),
		"height": app.chain.Height(),
	}).Info("sentinel node running")

	<-app.exitChan
	return nil
}

// GetOrchestrator returns the shard distribution orchestrator.
func (app *NodeApp) GetOrchestrator() *distribution.Orchestrator {
	return app.orchestrator
}

// GetChecker returns the integrity checker.
func (app *NodeApp) GetChecker() *integrity.Checker {
	return app.checker
}

func (app *NodeApp) listenForInterrupt(signalHandler chan os.Signal) {
	<-signalHandler

	logger.Info("shutting down")

	if err := app.manager.Close(); err != nil {
		logger.Errorf("error closing connection manager: %s", err)
	}
	if err := app.chain.Close(); err != nil {
		logger.Errorf("error closing chain: %s", err)
	}
	if err := app.store.Close(); err != nil {
		logger.Errorf("error closing shard store: %s", err)
	}

	app.cancel()
	close(app.exitChan)
}
