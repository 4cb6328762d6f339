package replica

import (
	"crypto/ed25519"

	"go.dedis.ch/kyber/v3/share"

	"github.com/nibeshrestha/optsync/entity"
	"github.com/nibeshrestha/optsync/sign"
)

// Signer is the consensus.Signer implementation wired for real replicas:
// ed25519 authenticates each vote, threshold-BLS partial signatures
// accumulate into the block's QC. Vote verification is farmed out to a
// worker pool per Design Note 9 rather than run inline on the dispatch
// goroutine.
type Signer struct {
	self      string
	priv      ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
	tsShare   *share.PriShare
	tsPubPoly *share.PubPoly
	threshold int
	n         int
	pool      *sign.WorkerPool
}

// NewSigner builds a Signer for self.
func NewSigner(self string, priv ed25519.PrivateKey, pubKeys map[string]ed25519.PublicKey, tsShare *share.PriShare, tsPubPoly *share.PubPoly, threshold, n int, pool *sign.WorkerPool) *Signer {
	return &Signer{
		self:      self,
		priv:      priv,
		pubKeys:   pubKeys,
		tsShare:   tsShare,
		tsPubPoly: tsPubPoly,
		threshold: threshold,
		n:         n,
		pool:      pool,
	}
}

// SignVote implements consensus.Signer.
func (s *Signer) SignVote(v *entity.Vote) error {
	data, err := v.CanonicalBytes()
	if err != nil {
		return err
	}
	v.Sig = sign.SignEd25519(s.priv, data)
	partial, err := sign.SignTSPartial(s.tsShare, v.BlockHash)
	if err != nil {
		return err
	}
	v.TSPartial = partial
	return nil
}

// VerifyVote implements consensus.Signer, offloading the ed25519 check to
// the worker pool.
func (s *Signer) VerifyVote(v *entity.Vote) error {
	data, err := v.CanonicalBytes()
	if err != nil {
		return err
	}
	pub, ok := s.pubKeys[v.Voter]
	if !ok {
		return sign.ErrVerifyFailed
	}
	result := make(chan sign.VerifyResult, 1)
	s.pool.Submit(sign.VerifyJob{PubKey: pub, Data: data, Sig: v.Sig, Result: result})
	res := <-result
	if res.Err != nil {
		return res.Err
	}
	if !res.OK {
		return sign.ErrVerifyFailed
	}
	return nil
}

// VerifyQC implements consensus.Signer, authenticating a justifying QC's
// recovered threshold signature against the group public key before the
// core trusts it to advance bqc/b_lock or walk the three-chain. The
// synthetic genesis QC carries no real signature and is trusted
// unconditionally, since no quorum ever votes on genesis.
func (s *Signer) VerifyQC(qc *entity.QC) error {
	if entity.IsGenesisQC(qc) {
		return nil
	}
	return sign.VerifyTS(s.tsPubPoly, qc.BlockHash, qc.Sig)
}

// AssembleQC implements consensus.Signer.
func (s *Signer) AssembleQC(blockHash []byte, height uint64, partials map[string][]byte) (*entity.QC, error) {
	list := make([][]byte, 0, len(partials))
	for _, p := range partials {
		list = append(list, p)
	}
	sig, err := sign.AssembleIntactTSPartial(list, s.tsPubPoly, blockHash, s.threshold, s.n)
	if err != nil {
		return nil, err
	}
	return &entity.QC{BlockHash: blockHash, Height: height, Sig: sig}, nil
}
