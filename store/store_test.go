package store

import (
	"testing"

	"github.com/nibeshrestha/optsync/entity"
)

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

func TestAddBlockIsIdempotent(t *testing.T) {
	s := New(100, 100, 10)
	genesis := entity.Genesis()
	b := newBlock(t, "node0", 1, [][]byte{genesis.Hash}, nil)

	canon1, err := s.AddBlock(b)
	if err != nil {
		t.Fatal(err)
	}
	dup := *b
	canon2, err := s.AddBlock(&dup)
	if err != nil {
		t.Fatal(err)
	}
	if canon1 != canon2 {
		t.Fatal("expected the same canonical instance for a duplicate insert")
	}
}

func TestAddBlockRejectsHashMismatch(t *testing.T) {
	s := New(100, 100, 10)
	b := newBlock(t, "node0", 1, nil, nil)
	b.Proposer = "tampered"
	if _, err := s.AddBlock(b); err != entity.ErrHashMismatch {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	if s.IsBlockFetched(b.Hash) {
		t.Fatal("invalid block must never enter the canonical store")
	}
}

func TestMarkBlockDeliveredRequiresParentsDelivered(t *testing.T) {
	s := New(100, 100, 10)
	genesis := entity.Genesis()
	b := newBlock(t, "node0", 1, [][]byte{genesis.Hash}, nil)
	if _, err := s.AddBlock(b); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkBlockDelivered(b.Hash); err != nil {
		t.Fatalf("genesis is pre-delivered, expected success, got %v", err)
	}
	if !s.IsBlockDelivered(b.Hash) {
		t.Fatal("expected block to be delivered")
	}
	// idempotent
	if err := s.MarkBlockDelivered(b.Hash); err != nil {
		t.Fatalf("expected idempotent re-delivery, got %v", err)
	}
}

func TestMarkBlockDeliveredFailsWithoutParent(t *testing.T) {
	s := New(100, 100, 10)
	orphanParent := newBlock(t, "node1", 1, nil, nil)
	child := newBlock(t, "node0", 2, [][]byte{orphanParent.Hash}, nil)
	if _, err := s.AddBlock(orphanParent); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddBlock(child); err != nil {
		t.Fatal(err)
	}
	// orphanParent itself was never marked delivered
	if err := s.MarkBlockDelivered(child.Hash); err != ErrDependencyNotDelivered {
		t.Fatalf("expected ErrDependencyNotDelivered, got %v", err)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	s := New(100, 100, 10)
	c := &entity.Command{Payload: []byte("tx1")}
	canon, err := s.AddCommand(c)
	if err != nil {
		t.Fatal(err)
	}
	h, _ := c.Hash()
	if !s.IsCommandFetched(h) {
		t.Fatal("expected command to be fetched")
	}
	found, err := s.FindCommand(h)
	if err != nil {
		t.Fatal(err)
	}
	if found != canon {
		t.Fatal("expected canonical instance")
	}
}
