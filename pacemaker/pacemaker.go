/*
Package pacemaker implements the pluggable leader-selection and
liveness-timer component (spec.md §4.5). The interface is shaped after
tylerztl-go-hotstuff's PaceMaker (GetLeader/OnNextSyncView/...), narrowed
to the six operations this system actually needs: who proposes at a
given height, what to extend, which observed blocks may join a proposal
as extra parents, when to beat, who proposes next, and how to react to
a stalled leader. RoundRobin is the only implementation
wired up; spec.md leaves "sticky" and other variants unimplemented
(DESIGN.md records that as a resolved Open Question).
*/
package pacemaker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// ErrUnknownVariant is returned by New when asked to build a pacemaker
// kind other than "rr"; spec.md does not define sticky/other semantics,
// so this is a configuration error rather than a panic.
var ErrUnknownVariant = errors.New("pacemaker: unknown variant")

// PaceMaker decides who proposes at each height and reacts to suspected
// proposer failure.
type PaceMaker interface {
	// GetProposer returns the replica id that should propose at height.
	GetProposer(height uint64) string

	// GetParents returns the parent hashes a new proposal at the next
	// height should extend. The main parent (first entry) is always the
	// current branch head; additional entries are other recently
	// observed blocks, newest first, whether or not they are on the main
	// chain. The whole list, main parent included, is capped at
	// parent-limit, though the main parent is always present (spec.md §6;
	// -1 means unbounded).
	GetParents() [][]byte

	// ObserveBlock records a block as a candidate extra parent for a
	// future proposal, called by the consensus core for every proposal
	// it processes (spec.md §6 parent-limit).
	ObserveBlock(hash []byte)

	// Beat resolves with the proposer for height once it is time to
	// propose. For round-robin the proposer is already deterministic,
	// so it resolves immediately; other variants could gate on e.g. the
	// previous height's QC arriving.
	Beat(ctx context.Context, height uint64) <-chan string

	// NextProposer returns who proposes after height.
	NextProposer(height uint64) string

	// Impeach records that height's proposer is considered faulty or
	// unresponsive and should be skipped on any future retry at that
	// height.
	Impeach(height uint64)
}

// RoundRobin cycles through the replica list by height, skipping
// impeached slots. It mirrors the teacher's round/moveRound/leader
// bookkeeping in qcdag/node.go, adapted from a round-indexed DAG leader
// to a height-indexed chain proposer.
type RoundRobin struct {
	logger      hclog.Logger
	replicas    []string
	tipFn       func() []byte
	parentLimit int // -1 = unbounded, per spec.md §6

	mu     sync.Mutex
	skip   map[uint64]int
	recent [][]byte // recently observed blocks, newest first; GetParents skips the tip
}

// maxRecentParents bounds how many candidate extra parents RoundRobin
// remembers, independent of parentLimit, so an unbounded parent-limit
// doesn't grow this slice forever.
const maxRecentParents = 64

// NewRoundRobin builds a round-robin pacemaker over the given ordered
// replica id list. tipFn returns the current branch-head hash (the
// consensus core's bqc); it is consulted lazily so the pacemaker never
// goes stale as bqc advances. parentLimit caps how many parent hashes
// GetParents returns in total, main parent included (the main parent is
// returned even when the limit is 0); -1 means unbounded.
func NewRoundRobin(logger hclog.Logger, replicas []string, tipFn func() []byte, parentLimit int) *RoundRobin {
	return &RoundRobin{
		logger:      logger,
		replicas:    replicas,
		tipFn:       tipFn,
		parentLimit: parentLimit,
		skip:        make(map[uint64]int),
	}
}

// New builds the pacemaker named by variant. Only "rr" is implemented.
func New(logger hclog.Logger, variant string, replicas []string, tipFn func() []byte, parentLimit int) (PaceMaker, error) {
	switch variant {
	case "rr", "":
		return NewRoundRobin(logger, replicas, tipFn, parentLimit), nil
	default:
		return nil, ErrUnknownVariant
	}
}

func (p *RoundRobin) proposerAt(height uint64) string {
	p.mu.Lock()
	skip := p.skip[height]
	p.mu.Unlock()
	idx := (int(height) + skip) % len(p.replicas)
	return p.replicas[idx]
}

// GetProposer implements PaceMaker.
func (p *RoundRobin) GetProposer(height uint64) string {
	return p.proposerAt(height)
}

// GetParents implements PaceMaker. The branch head always leads; any
// other recently observed blocks (e.g. orphaned siblings from a would-be
// equivocation) are appended until the list holds parentLimit entries,
// or all of them when parentLimit is -1.
func (p *RoundRobin) GetParents() [][]byte {
	tip := p.tipFn()

	p.mu.Lock()
	defer p.mu.Unlock()

	parents := [][]byte{tip}
	for _, h := range p.recent {
		if bytes.Equal(h, tip) {
			continue
		}
		if p.parentLimit >= 0 && len(parents) >= p.parentLimit {
			break
		}
		parents = append(parents, h)
	}
	return parents
}

// ObserveBlock implements PaceMaker.
func (p *RoundRobin) ObserveBlock(hash []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.recent {
		if bytes.Equal(h, hash) {
			return
		}
	}
	p.recent = append([][]byte{hash}, p.recent...)
	if len(p.recent) > maxRecentParents {
		p.recent = p.recent[:maxRecentParents]
	}
}

// Beat implements PaceMaker.
func (p *RoundRobin) Beat(ctx context.Context, height uint64) <-chan string {
	out := make(chan string, 1)
	out <- p.proposerAt(height)
	return out
}

// NextProposer implements PaceMaker.
func (p *RoundRobin) NextProposer(height uint64) string {
	return p.proposerAt(height + 1)
}

// Impeach implements PaceMaker.
func (p *RoundRobin) Impeach(height uint64) {
	p.mu.Lock()
	p.skip[height]++
	next := p.replicas[(int(height)+p.skip[height])%len(p.replicas)]
	p.mu.Unlock()
	p.logger.Warn("impeaching stalled proposer", "height", height, "new-proposer", next)
}

// ImpeachTimer resets on every commit (hotstuff_app.cpp's
// reset_imp_timer, called from state_machine_execute) and fires onFire
// if no commit lands within the configured imp-timeout.
type ImpeachTimer struct {
	timer  *time.Timer
	d      time.Duration
	onFire func()
}

// NewImpeachTimer starts a timer that calls onFire if not reset within d.
func NewImpeachTimer(d time.Duration, onFire func()) *ImpeachTimer {
	return &ImpeachTimer{
		timer:  time.AfterFunc(d, onFire),
		d:      d,
		onFire: onFire,
	}
}

// Reset restarts the countdown; called on every commit.
func (t *ImpeachTimer) Reset() {
	t.timer.Reset(t.d)
}

// Stop stops the timer permanently.
func (t *ImpeachTimer) Stop() {
	t.timer.Stop()
}
