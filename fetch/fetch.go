/*
Package fetch implements the fetch/delivery engine (spec.md §4.4): it
turns "I have a hash I don't yet hold the data for" into a future that
resolves once the data has arrived and, for blocks, once every ancestor
the block depends on has been delivered too.

The original HotStuffBase expresses this with a hand-rolled promise
library (async_fetch_blk, async_fetch_cmd, async_deliver_blk composed via
promise::all). Here the same shape is built from two idiomatic Go
primitives: golang.org/x/sync/singleflight collapses concurrent fetches
of the same hash into one outstanding request, and golang.org/x/sync/
errgroup is the join_all that waits on every parent and the qc_ref target
before a block is considered delivered.
*/
package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nibeshrestha/optsync/entity"
	"github.com/nibeshrestha/optsync/store"
)

// ErrNoCandidates is returned when a fetch has no remaining peer to ask.
var ErrNoCandidates = errors.New("fetch: no candidates available to request from")

// Requester sends REQ_BLOCK-shaped requests to a specific peer. The
// engine never talks to the network directly; it only decides when and
// whom to ask.
type Requester interface {
	RequestBlock(hash []byte, candidate string)
	RequestCommand(hash []byte, candidate string)
}

// QCVerifier authenticates a block's justifying QC the same way
// consensus.Signer.VerifyQC does. A block fetched purely via REQ_BLOCK/
// RESP_BLOCK (never passed through consensus.Core.OnReceiveProposal
// itself, e.g. an ancestor pulled in only to satisfy another block's
// dependency) must still have its QCRef authenticated before on_deliver
// marks it delivered and the three-chain walk starts trusting it.
type QCVerifier interface {
	VerifyQC(qc *entity.QC) error
}

// Engine drives fetch and dependency-ordered delivery for one replica.
type Engine struct {
	logger     hclog.Logger
	store      *store.Store
	req        Requester
	verifier   QCVerifier
	candidates func() []string
	timeout    time.Duration

	blockFlight singleflight.Group
	cmdFlight   singleflight.Group

	mu        sync.Mutex
	blockDone map[string]chan struct{}
	cmdDone   map[string]chan struct{}
}

// New creates a fetch/delivery engine. candidates returns the current
// list of peer ids to try, in order; the engine rotates through it on
// each timeout. verifier authenticates a delivered block's QCRef before
// it is trusted (spec.md:75).
func New(logger hclog.Logger, st *store.Store, req Requester, verifier QCVerifier, candidates func() []string, timeout time.Duration) *Engine {
	return &Engine{
		logger:     logger,
		store:      st,
		req:        req,
		verifier:   verifier,
		candidates: candidates,
		timeout:    timeout,
		blockDone:  make(map[string]chan struct{}),
		cmdDone:    make(map[string]chan struct{}),
	}
}

func (e *Engine) doneChan(m map[string]chan struct{}, key string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := m[key]
	if !ok {
		ch = make(chan struct{})
		m[key] = ch
	}
	return ch
}

func (e *Engine) signalDone(m map[string]chan struct{}, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := m[key]; ok {
		close(ch)
		delete(m, key)
	}
}

// AsyncFetchBlock resolves once hash is present in the block store,
// sending REQ_BLOCK to one candidate at a time and rotating to the next
// on each timeout. peer, if non-empty, is tried before the normal
// candidate rotation: the caller's best guess at who actually has hash
// (e.g. a proposal's Proposer field), attached to the candidate set
// rather than replacing it. Concurrent callers for the same hash share
// one outstanding request, so only the first caller's peer hint has any
// effect.
func (e *Engine) AsyncFetchBlock(ctx context.Context, hash []byte, peer string) <-chan error {
	out := make(chan error, 1)
	if e.store.IsBlockFetched(hash) {
		out <- nil
		return out
	}
	key := entity.HashHex(hash)
	go func() {
		_, err, _ := e.blockFlight.Do(key, func() (interface{}, error) {
			return nil, e.driveFetch(ctx, hash, key, e.blockDone, e.store.IsBlockFetched, e.req.RequestBlock, peer)
		})
		out <- err
	}()
	return out
}

// AsyncFetchCommand is AsyncFetchBlock's counterpart for command
// payloads referenced by hash inside a block but not locally known (the
// replica wasn't the client's entry point for that command).
func (e *Engine) AsyncFetchCommand(ctx context.Context, hash []byte) <-chan error {
	out := make(chan error, 1)
	if e.store.IsCommandFetched(hash) {
		out <- nil
		return out
	}
	key := entity.HashHex(hash)
	go func() {
		_, err, _ := e.cmdFlight.Do(key, func() (interface{}, error) {
			return nil, e.driveFetch(ctx, hash, key, e.cmdDone, e.store.IsCommandFetched, e.req.RequestCommand, "")
		})
		out <- err
	}()
	return out
}

// orderedCandidates puts hint first, if given, ahead of the normal
// rotation order; hint is attached to the candidate set rather than
// replacing it, so a wrong or stale hint still falls back to rotation
// through everyone else on timeout.
func (e *Engine) orderedCandidates(hint string) []string {
	all := e.candidates()
	if hint == "" {
		return all
	}
	ordered := make([]string, 0, len(all)+1)
	ordered = append(ordered, hint)
	for _, c := range all {
		if c != hint {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

func (e *Engine) driveFetch(
	ctx context.Context,
	hash []byte,
	key string,
	doneMap map[string]chan struct{},
	fetched func([]byte) bool,
	request func([]byte, string),
	hint string,
) error {
	if fetched(hash) {
		return nil
	}
	done := e.doneChan(doneMap, key)
	candidates := e.orderedCandidates(hint)
	if len(candidates) == 0 {
		return ErrNoCandidates
	}

	idx := 0
	request(hash, candidates[idx])
	ticker := time.NewTicker(e.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		case <-ticker.C:
			if fetched(hash) {
				return nil
			}
			idx = (idx + 1) % len(candidates)
			e.logger.Warn("fetch timed out, rotating candidate", "hash", key, "candidate", candidates[idx])
			request(hash, candidates[idx])
		}
	}
}

// OnFetchBlock is called by the message dispatcher when a RESP_BLOCK
// arrives. A block that fails hash verification is dropped, never
// inserted, and never wakes a waiting fetch.
func (e *Engine) OnFetchBlock(b *entity.Block) error {
	canon, err := e.store.AddBlock(b)
	if err != nil {
		e.logger.Warn("dropping block with bad hash", "error", err)
		return err
	}
	key := entity.HashHex(canon.Hash)
	e.blockFlight.Forget(key)
	e.signalDone(e.blockDone, key)
	return nil
}

// OnFetchCommand is called when a command payload arrives, either
// directly from a client submission or in answer to an AsyncFetchCommand.
func (e *Engine) OnFetchCommand(c *entity.Command) error {
	canon, err := e.store.AddCommand(c)
	if err != nil {
		return err
	}
	h, err := canon.Hash()
	if err != nil {
		return err
	}
	key := entity.HashHex(h)
	e.cmdFlight.Forget(key)
	e.signalDone(e.cmdDone, key)
	return nil
}

// AsyncDeliverBlock resolves once hash's block, and every block it
// transitively depends on (its parents and its qc_ref target), have been
// fetched and marked delivered in dependency order: ancestors settle
// before descendants, mirroring async_deliver_blk's join_all composition.
// peer is the hinted holder of hash itself (typically the proposal's
// Proposer); ancestors pulled in only to satisfy hash's dependencies
// carry no hint of their own and fall back to normal rotation.
func (e *Engine) AsyncDeliverBlock(ctx context.Context, hash []byte, peer string) <-chan error {
	out := make(chan error, 1)
	go func() {
		out <- e.deliver(ctx, hash, peer)
	}()
	return out
}

func (e *Engine) deliver(ctx context.Context, hash []byte, peer string) error {
	if e.store.IsBlockDelivered(hash) {
		return nil
	}
	if err := <-e.AsyncFetchBlock(ctx, hash, peer); err != nil {
		return err
	}
	b, err := e.store.FindBlock(hash)
	if err != nil {
		return err
	}
	if b.QCRef != nil && e.verifier != nil {
		if err := e.verifier.VerifyQC(b.QCRef); err != nil {
			e.logger.Warn("dropping delivered block with invalid justifying QC", "hash", entity.HashHex(hash), "height", b.Height, "error", err)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range b.ParentHashes {
		parent := p
		g.Go(func() error {
			return e.deliver(gctx, parent, "")
		})
	}
	if b.QCRef != nil {
		qcTarget := b.QCRef.BlockHash
		g.Go(func() error {
			return e.deliver(gctx, qcTarget, "")
		})
	}
	for _, c := range b.CmdHashes {
		cmdHash := c
		g.Go(func() error {
			return <-e.AsyncFetchCommand(gctx, cmdHash)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.store.MarkBlockDelivered(hash)
}
