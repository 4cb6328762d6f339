package conn

import (
	"reflect"
	"testing"
	"time"
)

const (
	proposeOpcode uint8 = iota
	voteOpcode
)

type testProposal struct {
	Proposer string
	Height   uint64
}

type testVote struct {
	Voter  string
	Height uint64
}

// TestSimpleComm checks that replica2 (client role) can dial replica1
// (server role) and that a PROPOSE-shaped message sent by replica2 is
// decoded intact on replica1's msgCh.
func TestSimpleComm(t *testing.T) {
	var p testProposal
	var v testVote
	reflectedTypesMap := map[uint8]reflect.Type{
		proposeOpcode: reflect.TypeOf(p),
		voteOpcode:    reflect.TypeOf(v),
	}

	proposal := testProposal{Proposer: "replica0", Height: 7}

	addr1 := "127.0.0.1:18881"
	tran1, err := NewTCPTransport(addr1, 2*time.Second, nil, 4, reflectedTypesMap)
	if err != nil {
		t.Fatal(err)
	}
	defer tran1.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		envelope := <-tran1.msgCh
		received, ok := envelope.Msg.(testProposal)
		if !ok {
			t.Error("received msg is not a testProposal")
			return
		}
		if received.Proposer != proposal.Proposer || received.Height != proposal.Height {
			t.Error("received proposal does not match what was sent")
		}
	}()

	addr2 := "127.0.0.1:18882"
	tran2, err := NewTCPTransport(addr2, 2*time.Second, nil, 4, reflectedTypesMap)
	if err != nil {
		t.Fatal(err)
	}
	defer tran2.Close()

	c, err := tran2.GetConn(addr1)
	if err != nil {
		t.Fatal(err)
	}

	if err := SendMsg(c, proposeOpcode, &proposal, []byte("sig")); err != nil {
		t.Fatal(err)
	}
	tran2.ReturnConn(c)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the envelope to arrive")
	}

	if got := tran1.RecvCount(); got != 1 {
		t.Fatalf("expected RecvCount 1, got %d", got)
	}
}

// TestConnPoolReuse checks that ReturnConn makes a connection available
// again via GetConn instead of forcing a fresh dial.
func TestConnPoolReuse(t *testing.T) {
	reflectedTypesMap := map[uint8]reflect.Type{
		proposeOpcode: reflect.TypeOf(testProposal{}),
	}

	addr1 := "127.0.0.1:18883"
	tran1, err := NewTCPTransport(addr1, 2*time.Second, nil, 4, reflectedTypesMap)
	if err != nil {
		t.Fatal(err)
	}
	defer tran1.Close()
	go func() {
		for range tran1.msgCh {
		}
	}()

	addr2 := "127.0.0.1:18884"
	tran2, err := NewTCPTransport(addr2, 2*time.Second, nil, 4, reflectedTypesMap)
	if err != nil {
		t.Fatal(err)
	}
	defer tran2.Close()

	c, err := tran2.GetConn(addr1)
	if err != nil {
		t.Fatal(err)
	}
	if err := tran2.ReturnConn(c); err != nil {
		t.Fatal(err)
	}
	if len(tran2.ConnPool()[addr1]) != 1 {
		t.Fatal("expected the returned connection to sit in the pool")
	}

	reused, err := tran2.GetConn(addr1)
	if err != nil {
		t.Fatal(err)
	}
	if reused != c {
		t.Fatal("expected GetConn to reuse the pooled connection")
	}
}
