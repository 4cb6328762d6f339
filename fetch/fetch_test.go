package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nibeshrestha/optsync/entity"
	"github.com/nibeshrestha/optsync/store"
)

type fakeRequester struct {
	mu       sync.Mutex
	blockReq []string
	cmdReq   []string
	onBlock  func(hash []byte, candidate string)
	onCmd    func(hash []byte, candidate string)
}

func (f *fakeRequester) RequestBlock(hash []byte, candidate string) {
	f.mu.Lock()
	f.blockReq = append(f.blockReq, candidate)
	f.mu.Unlock()
	if f.onBlock != nil {
		f.onBlock(hash, candidate)
	}
}

func (f *fakeRequester) RequestCommand(hash []byte, candidate string) {
	f.mu.Lock()
	f.cmdReq = append(f.cmdReq, candidate)
	f.mu.Unlock()
	if f.onCmd != nil {
		f.onCmd(hash, candidate)
	}
}

func newBlock(t *testing.T, proposer string, height uint64, parents [][]byte, qcRef *entity.QC) *entity.Block {
	t.Helper()
	b := &entity.Block{Proposer: proposer, Height: height, ParentHashes: parents, QCRef: qcRef}
	h, err := b.ComputeHash()
	if err != nil {
		t.Fatal(err)
	}
	b.Hash = h
	return b
}

func TestAsyncFetchBlockRespondsOnArrival(t *testing.T) {
	st := store.New(100, 100, 10)
	genesis := entity.Genesis()
	b := newBlock(t, "node0", 1, [][]byte{genesis.Hash}, nil)

	req := &fakeRequester{}
	eng := New(hclog.NewNullLogger(), st, req, nil, func() []string { return []string{"node1"} }, 50*time.Millisecond)

	waiter := eng.AsyncFetchBlock(context.Background(), b.Hash, "")

	time.Sleep(10 * time.Millisecond)
	if err := eng.OnFetchBlock(b); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-waiter:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fetch to resolve")
	}
}

func TestAsyncFetchBlockCoalescesConcurrentCallers(t *testing.T) {
	st := store.New(100, 100, 10)
	genesis := entity.Genesis()
	b := newBlock(t, "node0", 1, [][]byte{genesis.Hash}, nil)

	req := &fakeRequester{}
	eng := New(hclog.NewNullLogger(), st, req, nil, func() []string { return []string{"node1"} }, 100*time.Millisecond)

	w1 := eng.AsyncFetchBlock(context.Background(), b.Hash, "")
	w2 := eng.AsyncFetchBlock(context.Background(), b.Hash, "")

	time.Sleep(10 * time.Millisecond)
	if err := eng.OnFetchBlock(b); err != nil {
		t.Fatal(err)
	}

	for _, w := range []<-chan error{w1, w2} {
		select {
		case err := <-w:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fetch to resolve")
		}
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if len(req.blockReq) != 1 {
		t.Fatalf("expected exactly one REQ_BLOCK to be sent, got %d", len(req.blockReq))
	}
}

func TestAsyncFetchBlockRotatesCandidateOnTimeout(t *testing.T) {
	st := store.New(100, 100, 10)
	genesis := entity.Genesis()
	b := newBlock(t, "node0", 1, [][]byte{genesis.Hash}, nil)

	req := &fakeRequester{}
	candidates := []string{"node1", "node2"}
	eng := New(hclog.NewNullLogger(), st, req, nil, func() []string { return candidates }, 20*time.Millisecond)

	waiter := eng.AsyncFetchBlock(context.Background(), b.Hash, "")

	time.Sleep(70 * time.Millisecond)
	if err := eng.OnFetchBlock(b); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-waiter:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fetch to resolve")
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if len(req.blockReq) < 2 {
		t.Fatalf("expected candidate rotation to have sent at least 2 requests, got %d", len(req.blockReq))
	}
	if req.blockReq[0] != "node1" || req.blockReq[1] != "node2" {
		t.Fatalf("expected rotation through node1 then node2, got %v", req.blockReq)
	}
}

func TestAsyncDeliverBlockWaitsForParentFirst(t *testing.T) {
	st := store.New(100, 100, 10)
	genesis := entity.Genesis()
	parent := newBlock(t, "node1", 1, [][]byte{genesis.Hash}, nil)
	child := newBlock(t, "node0", 2, [][]byte{parent.Hash}, nil)

	if _, err := st.AddBlock(child); err != nil {
		t.Fatal(err)
	}

	req := &fakeRequester{}
	eng := New(hclog.NewNullLogger(), st, req, nil, func() []string { return []string{"node1"} }, 30*time.Millisecond)
	req.onBlock = func(hash []byte, candidate string) {
		if string(hash) == string(parent.Hash) {
			go func() {
				time.Sleep(5 * time.Millisecond)
				eng.OnFetchBlock(parent)
			}()
		}
	}

	waiter := eng.AsyncDeliverBlock(context.Background(), child.Hash, "")

	select {
	case err := <-waiter:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	if !st.IsBlockDelivered(parent.Hash) {
		t.Fatal("expected parent to be delivered before child")
	}
	if !st.IsBlockDelivered(child.Hash) {
		t.Fatal("expected child to be delivered")
	}
}

type fakeVerifier struct {
	reject bool
}

func (v *fakeVerifier) VerifyQC(qc *entity.QC) error {
	if v.reject {
		return errVerifyRejected
	}
	return nil
}

var errVerifyRejected = errors.New("fetch test: verifier rejected QC")

func TestAsyncDeliverBlockRejectsInvalidQC(t *testing.T) {
	st := store.New(100, 100, 10)
	genesis := entity.Genesis()
	forged := &entity.QC{BlockHash: genesis.Hash, Height: 0, Sig: []byte("forged")}
	b := newBlock(t, "node0", 1, [][]byte{genesis.Hash}, forged)

	if _, err := st.AddBlock(b); err != nil {
		t.Fatal(err)
	}

	req := &fakeRequester{}
	eng := New(hclog.NewNullLogger(), st, req, &fakeVerifier{reject: true}, func() []string { return []string{"node1"} }, 30*time.Millisecond)

	waiter := eng.AsyncDeliverBlock(context.Background(), b.Hash, "")
	select {
	case err := <-waiter:
		if err == nil {
			t.Fatal("expected delivery to fail for a block with an invalid justifying QC")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery to reject")
	}

	if st.IsBlockDelivered(b.Hash) {
		t.Fatal("expected the block to not be marked delivered")
	}
}

func TestAsyncFetchBlockTriesHintedPeerFirst(t *testing.T) {
	st := store.New(100, 100, 10)
	genesis := entity.Genesis()
	b := newBlock(t, "node3", 1, [][]byte{genesis.Hash}, nil)

	req := &fakeRequester{}
	candidates := []string{"node1", "node2"}
	eng := New(hclog.NewNullLogger(), st, req, nil, func() []string { return candidates }, 200*time.Millisecond)

	waiter := eng.AsyncFetchBlock(context.Background(), b.Hash, "node3")

	time.Sleep(10 * time.Millisecond)
	if err := eng.OnFetchBlock(b); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-waiter:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fetch to resolve")
	}

	req.mu.Lock()
	defer req.mu.Unlock()
	if len(req.blockReq) == 0 || req.blockReq[0] != "node3" {
		t.Fatalf("expected the hinted peer to be requested first, got %v", req.blockReq)
	}
}

func TestAsyncFetchBlockNoCandidates(t *testing.T) {
	st := store.New(100, 100, 10)
	b := newBlock(t, "node0", 1, nil, nil)

	req := &fakeRequester{}
	eng := New(hclog.NewNullLogger(), st, req, nil, func() []string { return nil }, 20*time.Millisecond)

	waiter := eng.AsyncFetchBlock(context.Background(), b.Hash, "")
	select {
	case err := <-waiter:
		if err != ErrNoCandidates {
			t.Fatalf("expected ErrNoCandidates, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}
