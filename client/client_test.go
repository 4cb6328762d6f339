package client

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nibeshrestha/optsync/entity"
	"github.com/nibeshrestha/optsync/pacemaker"
	"github.com/nibeshrestha/optsync/pipeline"
)

type fakeReplier struct {
	addr string
	resp *CmdResponse
	done chan struct{}
}

func newFakeReplier() *fakeReplier {
	return &fakeReplier{done: make(chan struct{}, 1)}
}

func (f *fakeReplier) Reply(addr string, resp *CmdResponse) error {
	f.addr = addr
	f.resp = resp
	f.done <- struct{}{}
	return nil
}

func (f *fakeReplier) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a RESP_CMD")
	}
}

func TestHandleOnProposerWaitsForCommit(t *testing.T) {
	pipe := pipeline.New(hclog.NewNullLogger(), "node0", func() string { return "node0" })
	replier := newFakeReplier()
	s := NewServer(hclog.NewNullLogger(), pipe, replier)

	req := CmdRequest{Cmd: &entity.Command{Payload: []byte("tx1")}, ClientAddr: "client1:9000"}
	go s.Handle(req)

	time.Sleep(20 * time.Millisecond)
	batch := pipe.Drain(10)
	if len(batch) != 1 {
		t.Fatalf("expected the submitted command to be queued, got %d", len(batch))
	}
	h, _ := batch[0].Hash()
	block := &entity.Block{Proposer: "node0", Height: 1, CmdHashes: [][]byte{h}}
	hb, _ := block.ComputeHash()
	block.Hash = hb
	pipe.Execute(block)

	replier.wait(t)
	if replier.addr != "client1:9000" {
		t.Fatalf("expected reply routed to client1:9000, got %s", replier.addr)
	}
	if replier.resp.Finality.Decision != entity.DecisionCommitted {
		t.Fatalf("expected DecisionCommitted, got %v", replier.resp.Finality.Decision)
	}
}

func TestHandleOnNonProposerRepliesImmediately(t *testing.T) {
	pipe := pipeline.New(hclog.NewNullLogger(), "node1", func() string { return "node0" })
	replier := newFakeReplier()
	s := NewServer(hclog.NewNullLogger(), pipe, replier)

	req := CmdRequest{Cmd: &entity.Command{Payload: []byte("tx2")}, ClientAddr: "client2:9000"}
	s.Handle(req)

	replier.wait(t)
	if replier.resp.Finality.Decision != entity.DecisionNotProposer {
		t.Fatalf("expected DecisionNotProposer, got %v", replier.resp.Finality.Decision)
	}
	if replier.resp.Finality.Proposer != "node0" {
		t.Fatalf("expected finality to name node0 as proposer, got %s", replier.resp.Finality.Proposer)
	}
}

type erroringReplier struct{}

func (erroringReplier) Reply(addr string, resp *CmdResponse) error {
	return errReplyFailed
}

var errReplyFailed = &testError{"reply failed"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

func TestHandleLogsButDoesNotPanicOnReplyFailure(t *testing.T) {
	pipe := pipeline.New(hclog.NewNullLogger(), "node1", func() string { return "node0" })
	s := NewServer(hclog.NewNullLogger(), pipe, erroringReplier{})

	req := CmdRequest{Cmd: &entity.Command{Payload: []byte("tx3")}, ClientAddr: "client3:9000"}
	s.Handle(req)
}

func TestStateMachineExecutorResetsTimerOnEveryCommit(t *testing.T) {
	pipe := pipeline.New(hclog.NewNullLogger(), "node0", func() string { return "node0" })
	fired := make(chan struct{}, 1)
	timer := pacemaker.NewImpeachTimer(100*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer timer.Stop()
	exec := &StateMachineExecutor{Inner: pipe, Timer: timer}

	block := &entity.Block{Proposer: "node0", Height: 1}
	h, _ := block.ComputeHash()
	block.Hash = h
	// Commit 60ms into the 100ms countdown: without a reset the timer
	// would fire 40ms later, inside the 60ms window checked below.
	time.Sleep(60 * time.Millisecond)
	exec.Execute(block)

	select {
	case <-fired:
		t.Fatal("expected the reset to defer the impeach fire well past the short commit gap")
	case <-time.After(60 * time.Millisecond):
	}
}
