/*
Package pipeline implements command admission and the decision_waiting
finality table (spec.md §4.6). A client-submitted command either queues
on cmd_pending (this replica is presently the proposer) or gets an
immediate not-proposer sentinel so the client can retry elsewhere. Once
a proposal containing the command commits, the consensus core calls
Execute, which resolves the command's waiting future. Grounded on
original_source/src/hotstuff.cpp's HotStuffBase::exec_command (the
non-proposer short-circuit and decision_waiting map) and the teacher's
qcdag/node.go:NewBlock batch-assembly shape.
*/
package pipeline

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/nibeshrestha/optsync/entity"
)

// Pipeline holds the FIFO of admitted-but-unbatched commands and the
// table of futures waiting on their eventual commit.
type Pipeline struct {
	logger          hclog.Logger
	self            string
	currentProposer func() string
	tryPropose      func(ctx context.Context) error

	mu      sync.Mutex
	pending []*entity.Command
	waiting map[string]chan *entity.Finality
}

// New creates a pipeline for self. currentProposer returns the replica
// id commands should be admitted to right now; a client request arriving
// anywhere else gets an immediate not-proposer Finality.
func New(logger hclog.Logger, self string, currentProposer func() string) *Pipeline {
	return &Pipeline{
		logger:          logger,
		self:            self,
		currentProposer: currentProposer,
		waiting:         make(map[string]chan *entity.Finality),
	}
}

// SetProposeTrigger wires the batch-threshold check (spec.md §4.6 step
// 3) that Submit calls after queuing a command. Separate from New
// because consensus.Core, which implements it, is constructed after the
// pipeline during replica wiring (replica/replica.go's forward-declared
// core pattern).
func (p *Pipeline) SetProposeTrigger(fn func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tryPropose = fn
}

// Submit admits cmd. If this replica is not the current proposer, it
// returns an immediate not-proposer Finality naming who to retry with,
// and also registers an unconfirmed[H(c)] future in the same waiting
// table: if this replica later delivers and commits a block carrying
// the identical command (e.g. because the client retried against the
// real proposer and that proposer's commit propagated back here), that
// future resolves too, even though nothing currently blocks on it.
// Otherwise it queues the command and returns a channel that receives
// exactly one Finality once the command's containing block commits.
func (p *Pipeline) Submit(cmd *entity.Command) (*entity.Finality, <-chan *entity.Finality, error) {
	proposer := p.currentProposer()
	h, err := cmd.Hash()
	if err != nil {
		return nil, nil, err
	}
	if proposer != p.self {
		unconfirmed := make(chan *entity.Finality, 1)
		p.mu.Lock()
		p.waiting[entity.HashHex(h)] = unconfirmed
		p.mu.Unlock()
		return &entity.Finality{
			Decision: entity.DecisionNotProposer,
			CmdHash:  h,
			Proposer: proposer,
		}, unconfirmed, nil
	}

	ch := make(chan *entity.Finality, 1)
	p.mu.Lock()
	p.pending = append(p.pending, cmd)
	p.waiting[entity.HashHex(h)] = ch
	trigger := p.tryPropose
	p.mu.Unlock()

	if trigger != nil {
		go func() {
			if err := trigger(context.Background()); err != nil {
				p.logger.Warn("failed to propose pending batch", "error", err)
			}
		}()
	}
	return nil, ch, nil
}

// Drain removes up to max commands from the front of cmd_pending for the
// next proposal. It implements consensus.CommandSource.
func (p *Pipeline) Drain(max int) []*entity.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	if max <= 0 || max > len(p.pending) {
		max = len(p.pending)
	}
	batch := p.pending[:max]
	p.pending = p.pending[max:]
	return batch
}

// Pending reports how many commands are queued, used by the stats
// reporter's cmd_pending line.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Execute implements consensus.Executor: it resolves the Finality future
// for every command in b that this replica is holding a waiter for.
// Commands this replica never locally admitted (delivered only as hashes
// inside someone else's block) have no waiter and are silently skipped.
func (p *Pipeline) Execute(b *entity.Block) {
	for i, cmdHash := range b.CmdHashes {
		key := entity.HashHex(cmdHash)
		p.mu.Lock()
		ch, ok := p.waiting[key]
		if ok {
			delete(p.waiting, key)
		}
		p.mu.Unlock()
		if !ok {
			continue
		}
		ch <- &entity.Finality{
			DecidedBy: p.self,
			Decision:  entity.DecisionCommitted,
			BlockHash: b.Hash,
			CmdHash:   cmdHash,
			Pos:       i,
		}
		close(ch)
	}
}
