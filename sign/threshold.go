package sign

import (
	"bytes"
	"encoding/binary"
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var errShortTSBuffer = errors.New("sign: buffer too short to decode threshold key")

func suite() *bn256.Suite {
	return bn256.NewSuite()
}

// GenTSKeys generates a (t, n) threshold-BLS key set: n private shares and
// the public commitment polynomial used to verify recovered signatures.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	s := suite()
	priPoly := share.NewPriPoly(s.G2(), t, nil, s.RandomStream())
	pubPoly := priPoly.Commit(s.G2().Point().Base())
	shares := priPoly.Shares(n)
	return shares, pubPoly
}

// SignTSPartial produces this replica's partial signature share over msg.
func SignTSPartial(share *share.PriShare, msg []byte) ([]byte, error) {
	return tbls.Sign(suite(), share, msg)
}

// VerifyTSPartial is a best-effort sanity check of a single partial
// signature against the replica's public share. The consensus core does
// not call it: partials are accumulated unchecked, and a bad share only
// shows up when recovery or VerifyTS fails.
func VerifyTSPartial(pubPoly *share.PubPoly, idx int, msg, partial []byte) error {
	pubShare := pubPoly.Eval(idx)
	return tbls.Verify(suite(), share.NewPubPoly(suite().G2(), suite().G2().Point().Base(), []kyber.Point{pubShare.V}), msg, partial)
}

// AssembleIntactTSPartial recovers the full threshold signature from at
// least t of the n partial signatures; it is the QC's Sig field.
func AssembleIntactTSPartial(partials [][]byte, pubPoly *share.PubPoly, msg []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite(), pubPoly, msg, partials, t, n)
}

// VerifyTS verifies a recovered threshold signature against the group
// public key; this is the check a QC must pass to be considered valid.
func VerifyTS(pubPoly *share.PubPoly, msg, sig []byte) error {
	return bls.Verify(suite(), pubPoly.Commit(), msg, sig)
}

// EncodeTSPublicKey marshals the public commitment polynomial: a u32 LE
// threshold followed by the marshaled commit points.
func EncodeTSPublicKey(pubPoly *share.PubPoly) ([]byte, error) {
	_, commits := pubPolyCommits(pubPoly)
	var buf bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(pubPoly.Threshold()))
	buf.Write(hdr[:])
	for _, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// DecodeTSPublicKey is the inverse of EncodeTSPublicKey.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	s := suite()
	if len(data) < 4 {
		return nil, errShortTSBuffer
	}
	threshold := int(binary.LittleEndian.Uint32(data[:4]))
	data = data[4:]
	var commits []kyber.Point
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, errShortTSBuffer
		}
		l := binary.LittleEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(len(data)) < uint64(l) {
			return nil, errShortTSBuffer
		}
		p := s.G2().Point()
		if err := p.UnmarshalBinary(data[:l]); err != nil {
			return nil, err
		}
		commits = append(commits, p)
		data = data[l:]
	}
	if len(commits) != threshold {
		return nil, errShortTSBuffer
	}
	return share.NewPubPoly(s.G2(), s.G2().Point().Base(), commits), nil
}

// EncodeTSPartialKey marshals a single replica's private share.
func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	v, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(priShare.I))
	buf.Write(idx[:])
	buf.Write(v)
	return buf.Bytes(), nil
}

// DecodeTSPartialKey is the inverse of EncodeTSPartialKey.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	if len(data) < 4 {
		return nil, errShortTSBuffer
	}
	idx := int(binary.LittleEndian.Uint32(data[:4]))
	v := suite().G2().Scalar()
	if err := v.UnmarshalBinary(data[4:]); err != nil {
		return nil, err
	}
	return &share.PriShare{I: idx, V: v}, nil
}

func pubPolyCommits(pubPoly *share.PubPoly) (kyber.Point, []kyber.Point) {
	base, commits := pubPoly.Info()
	return base, commits
}
