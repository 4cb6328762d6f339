package sign

import "testing"

func TestEd25519RoundTrip(t *testing.T) {
	priv, pub := GenEd25519Keys()
	data := []byte("vote for block 7")
	sig := SignEd25519(priv, data)
	ok, err := VerifyEd25519(pub, data, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestEd25519RejectsTamperedData(t *testing.T) {
	priv, pub := GenEd25519Keys()
	sig := SignEd25519(priv, []byte("original"))
	ok, err := VerifyEd25519(pub, []byte("tampered"), sig)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected signature verification to fail on tampered data")
	}
}

func TestThresholdSignRecoverVerify(t *testing.T) {
	const n, f = 4, 1
	q := 2*f + 1
	shares, pubPoly := GenTSKeys(f+1, n)
	msg := []byte("round 3 elect")

	var partials [][]byte
	for i := 0; i < q; i++ {
		p, err := SignTSPartial(shares[i], msg)
		if err != nil {
			t.Fatal(err)
		}
		partials = append(partials, p)
	}

	sig, err := AssembleIntactTSPartial(partials, pubPoly, msg, f+1, n)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyTS(pubPoly, msg, sig); err != nil {
		t.Fatalf("recovered threshold signature failed to verify: %v", err)
	}
}

func TestWorkerPoolVerifiesAsynchronously(t *testing.T) {
	priv, pub := GenEd25519Keys()
	data := []byte("block header")
	sig := SignEd25519(priv, data)

	wp := NewWorkerPool(2, 4)
	defer wp.Shutdown()

	result := make(chan VerifyResult, 1)
	wp.Submit(VerifyJob{PubKey: pub, Data: data, Sig: sig, Result: result})

	r := <-result
	if r.Err != nil {
		t.Fatal(r.Err)
	}
	if !r.OK {
		t.Fatal("expected async verification to succeed")
	}
}
