package pacemaker

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

func TestRoundRobinCyclesByHeight(t *testing.T) {
	replicas := []string{"node0", "node1", "node2", "node3"}
	pm := NewRoundRobin(hclog.NewNullLogger(), replicas, func() []byte { return []byte("tip") }, -1)

	for h := uint64(0); h < 8; h++ {
		got := pm.GetProposer(h)
		want := replicas[int(h)%len(replicas)]
		if got != want {
			t.Fatalf("height %d: got proposer %s, want %s", h, got, want)
		}
	}
}

func TestRoundRobinNextProposer(t *testing.T) {
	replicas := []string{"node0", "node1", "node2", "node3"}
	pm := NewRoundRobin(hclog.NewNullLogger(), replicas, func() []byte { return nil }, -1)

	if got := pm.NextProposer(0); got != "node1" {
		t.Fatalf("expected node1, got %s", got)
	}
	if got := pm.NextProposer(3); got != "node0" {
		t.Fatalf("expected wraparound to node0, got %s", got)
	}
}

func TestImpeachSkipsProposerAtThatHeight(t *testing.T) {
	replicas := []string{"node0", "node1", "node2", "node3"}
	pm := NewRoundRobin(hclog.NewNullLogger(), replicas, func() []byte { return nil }, -1)

	before := pm.GetProposer(0)
	pm.Impeach(0)
	after := pm.GetProposer(0)
	if before == after {
		t.Fatalf("expected impeachment to change the proposer at height 0, still %s", after)
	}
	if after != "node1" {
		t.Fatalf("expected impeachment to advance to node1, got %s", after)
	}
}

func TestBeatResolvesImmediately(t *testing.T) {
	replicas := []string{"node0", "node1"}
	pm := NewRoundRobin(hclog.NewNullLogger(), replicas, func() []byte { return nil }, -1)

	select {
	case proposer := <-pm.Beat(context.Background(), 1):
		if proposer != "node1" {
			t.Fatalf("expected node1, got %s", proposer)
		}
	case <-time.After(time.Second):
		t.Fatal("beat did not resolve")
	}
}

func TestGetParentsReflectsCurrentTip(t *testing.T) {
	tip := []byte("block-5")
	pm := NewRoundRobin(hclog.NewNullLogger(), []string{"node0"}, func() []byte { return tip }, -1)
	parents := pm.GetParents()
	if len(parents) != 1 || string(parents[0]) != string(tip) {
		t.Fatalf("expected parents to be [tip], got %v", parents)
	}
}

func TestGetParentsIncludesRecentlyObservedBlocksUpToLimit(t *testing.T) {
	tip := []byte("block-tip")
	pm := NewRoundRobin(hclog.NewNullLogger(), []string{"node0"}, func() []byte { return tip }, 2)

	pm.ObserveBlock(tip)
	pm.ObserveBlock([]byte("sibling-a"))
	pm.ObserveBlock([]byte("sibling-b"))

	parents := pm.GetParents()
	if len(parents) != 2 {
		t.Fatalf("expected parent-limit 2 to cap the list at 2 entries, got %d: %v", len(parents), parents)
	}
	if string(parents[0]) != string(tip) {
		t.Fatalf("expected the branch head to lead the parent list, got %v", parents[0])
	}
	if string(parents[1]) != "sibling-b" {
		t.Fatalf("expected the most recently observed sibling next, got %v", parents[1])
	}
}

func TestGetParentsUnboundedWhenParentLimitIsNegativeOne(t *testing.T) {
	tip := []byte("block-tip")
	pm := NewRoundRobin(hclog.NewNullLogger(), []string{"node0"}, func() []byte { return tip }, -1)

	pm.ObserveBlock([]byte("sibling-a"))
	pm.ObserveBlock([]byte("sibling-b"))
	pm.ObserveBlock([]byte("sibling-c"))

	parents := pm.GetParents()
	if len(parents) != 4 {
		t.Fatalf("expected an unbounded parent-limit to keep every observed sibling plus the tip, got %d: %v", len(parents), parents)
	}
}

func TestNewRejectsUnknownVariant(t *testing.T) {
	if _, err := New(hclog.NewNullLogger(), "sticky", []string{"node0"}, func() []byte { return nil }, -1); err != ErrUnknownVariant {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
}

func TestImpeachTimerResetsOnCommit(t *testing.T) {
	fired := make(chan struct{}, 1)
	timer := NewImpeachTimer(30*time.Millisecond, func() {
		fired <- struct{}{}
	})
	defer timer.Stop()

	// Reset repeatedly, simulating commits landing faster than the
	// timeout, and confirm it never fires.
	for i := 0; i < 5; i++ {
		time.Sleep(15 * time.Millisecond)
		timer.Reset()
	}
	select {
	case <-fired:
		t.Fatal("impeach timer fired despite being reset on every commit")
	default:
	}
}
