/*
Package replica wires every other package into a running node: the
block/command store, the crypto adapter, the peer and client transports,
the fetch engine, the pacemaker, the consensus core, the command
pipeline, and the client-request server. It is the Go-idiomatic
counterpart of the teacher's qcdag.Node plus main.go:startQCDAG — a
struct holding every collaborator instead of package-level globals, with
explicit Run/Start methods instead of free-floating goroutine launches
from main.
*/
package replica

import (
	"context"
	"crypto/ed25519"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"

	"github.com/nibeshrestha/optsync/client"
	"github.com/nibeshrestha/optsync/conn"
	"github.com/nibeshrestha/optsync/consensus"
	"github.com/nibeshrestha/optsync/entity"
	"github.com/nibeshrestha/optsync/fetch"
	"github.com/nibeshrestha/optsync/pacemaker"
	"github.com/nibeshrestha/optsync/pipeline"
	"github.com/nibeshrestha/optsync/sign"
	"github.com/nibeshrestha/optsync/store"
)

// Options configures a Replica. It is deliberately decoupled from
// config.Config: the config package turns a YAML file into an Options
// value, keeping the wiring here testable without viper.
type Options struct {
	Self             string
	Replicas         []entity.ReplicaInfo
	ListenAddr       string
	ClientListenAddr string

	PrivKey   ed25519.PrivateKey
	TSShare   *share.PriShare
	TSPubPoly *share.PubPoly

	BlockSize      int
	MaxPool        int
	FetchTimeout   time.Duration
	ImpeachTimeout time.Duration
	StatPeriod     time.Duration
	NWorker        int
	PaceMaker      string

	BlockCacheSize   int
	CommandCacheSize int
	CommitHorizon    int

	// ParentLimit caps how many parent hashes GetParents returns, main
	// parent included (spec.md §6); 0 is treated as unset and maps to -1
	// (unbounded), since the zero value of an int config field can't be
	// distinguished from an explicit 0 otherwise.
	ParentLimit int
}

// Replica is one running node.
type Replica struct {
	logger hclog.Logger

	self     string
	cfg      *entity.ReplicaConfig
	addrByID map[string]string

	store *store.Store
	pool  *sign.WorkerPool

	link  *peerLink
	fetch *fetch.Engine
	pm    pacemaker.PaceMaker
	core  *consensus.Core
	pipe  *pipeline.Pipeline

	peerTrans   *conn.NetworkTransport
	clientTrans *conn.NetworkTransport
	clientSrv   *client.Server

	impTimer   *pacemaker.ImpeachTimer
	statPeriod time.Duration
}

// New builds a Replica. It opens both listeners (peer and client-facing)
// but does not propose or process messages until Run is called.
func New(logger hclog.Logger, opts Options) (*Replica, error) {
	cfg := entity.NewReplicaConfig(opts.Replicas)

	addrByID := make(map[string]string, cfg.N)
	pubKeys := make(map[string]ed25519.PublicKey, cfg.N)
	for _, ri := range opts.Replicas {
		addrByID[ri.ID] = ri.Addr
		pubKeys[ri.ID] = ed25519.PublicKey(ri.PubKey)
	}

	blockCache := opts.BlockCacheSize
	if blockCache <= 0 {
		blockCache = 4096
	}
	cmdCache := opts.CommandCacheSize
	if cmdCache <= 0 {
		cmdCache = 4096
	}
	horizon := opts.CommitHorizon
	if horizon <= 0 {
		horizon = 256
	}
	st := store.New(blockCache, cmdCache, horizon)

	peerTrans, err := conn.NewTCPTransport(opts.ListenAddr, 30*time.Second, nil, opts.MaxPool, reflectedTypesMap)
	if err != nil {
		return nil, err
	}
	clientTrans, err := conn.NewTCPTransport(opts.ClientListenAddr, 30*time.Second, nil, opts.MaxPool, clientReflectedTypesMap)
	if err != nil {
		return nil, err
	}

	pool := sign.NewWorkerPool(opts.NWorker, 256)
	signer := NewSigner(opts.Self, opts.PrivKey, pubKeys, opts.TSShare, opts.TSPubPoly, cfg.Q, cfg.N, pool)

	link := &peerLink{
		logger:   logger.Named("hotstuff-net"),
		trans:    peerTrans,
		self:     opts.Self,
		selfAddr: opts.ListenAddr,
		addrByID: addrByID,
	}

	r := &Replica{
		logger:      logger,
		self:        opts.Self,
		cfg:         cfg,
		addrByID:    addrByID,
		store:       st,
		pool:        pool,
		link:        link,
		peerTrans:   peerTrans,
		clientTrans: clientTrans,
		statPeriod:  opts.StatPeriod,
	}

	ids := make([]string, 0, len(opts.Replicas))
	for _, ri := range opts.Replicas {
		ids = append(ids, ri.ID)
	}

	// core is forward-declared so the pacemaker's tip lookup and the
	// pipeline's current-proposer lookup can close over it before it
	// exists; both are only ever called after Run, by which point core
	// is set.
	var core *consensus.Core
	parentLimit := opts.ParentLimit
	if parentLimit == 0 {
		parentLimit = -1
	}
	pmLogger := logger.Named("hotstuff-pacemaker")
	pm, err := pacemaker.New(pmLogger, opts.PaceMaker, ids, func() []byte {
		if core == nil {
			return nil
		}
		return core.BQC()
	}, parentLimit)
	if err != nil {
		return nil, err
	}

	pipeLogger := logger.Named("hotstuff-pipeline")
	pipe := pipeline.New(pipeLogger, opts.Self, func() string {
		if core == nil {
			return opts.Self
		}
		return pm.GetProposer(core.NextHeight())
	})

	impTimer := pacemaker.NewImpeachTimer(opts.ImpeachTimeout, func() {
		if core == nil {
			return
		}
		pm.Impeach(core.NextHeight())
	})
	stateMachine := &client.StateMachineExecutor{Inner: pipe, Timer: impTimer}

	fetchLogger := logger.Named("hotstuff-fetch")
	fetchEngine := fetch.New(fetchLogger, st, link, signer, r.candidates, opts.FetchTimeout)

	coreLogger := logger.Named("hotstuff-core")
	core = consensus.New(coreLogger, opts.Self, cfg, st, pm, link, pipe, stateMachine, signer, fetchEngine, opts.BlockSize)
	pipe.SetProposeTrigger(core.TryProposeFromPending)

	clientLogger := logger.Named("hotstuff-client")
	clientSrv := client.NewServer(clientLogger, pipe, &client.TransportReplier{Trans: clientTrans})

	r.pm = pm
	r.pipe = pipe
	r.core = core
	r.fetch = fetchEngine
	r.clientSrv = clientSrv
	r.impTimer = impTimer

	return r, nil
}

// candidates lists every other replica id, used by the fetch engine to
// rotate REQ_BLOCK/REQ_CMD targets on timeout.
func (r *Replica) candidates() []string {
	ids := make([]string, 0, len(r.addrByID)-1)
	for id := range r.addrByID {
		if id == r.self {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run starts the dispatch loops and, if this replica resolves as height
// 1's proposer, the first proposal. It blocks until ctx is cancelled.
func (r *Replica) Run(ctx context.Context) error {
	if err := r.core.Start(ctx); err != nil {
		return err
	}
	go r.dispatchPeerLoop(ctx)
	go r.dispatchClientLoop(ctx)
	if r.statPeriod > 0 {
		go r.statsLoop(ctx)
	}
	<-ctx.Done()
	return r.Close()
}

// Close shuts down both transports and the signature worker pool.
func (r *Replica) Close() error {
	r.impTimer.Stop()
	r.pool.Shutdown()
	if err := r.peerTrans.Close(); err != nil {
		return err
	}
	return r.clientTrans.Close()
}
