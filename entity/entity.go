/*
Package entity defines the wire-level types shared by every replica:
blocks, quorum certificates, proposals, votes, commands, and finality
proofs, along with their canonical hash and msgpack encoding.
*/
package entity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/hashicorp/go-msgpack/codec"
)

// ErrHashMismatch is returned when a decoded block's recomputed hash does
// not match its envelope.
var ErrHashMismatch = errors.New("entity: recomputed hash does not match envelope")

func msgpackHandle() *codec.MsgpackHandle {
	return &codec.MsgpackHandle{}
}

// Encode canonically serializes v using the msgpack handle shared by the
// wire codec and the peer transport.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle())
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode; v must be a pointer.
func Decode(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle())
	return dec.Decode(v)
}

func hashSum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashHex renders a 32-byte hash as a hex string, used as a map key
// throughout the store and waiting tables.
func HashHex(h []byte) string {
	return hex.EncodeToString(h)
}

// HashFromHex is the inverse of HashHex.
func HashFromHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// QC is a quorum certificate: an aggregate/threshold signature attesting
// that at least 2f+1 distinct replicas voted for BlockHash.
type QC struct {
	BlockHash []byte
	Height    uint64
	Sig       []byte
}

func (qc *QC) shell() interface{} {
	if qc == nil {
		return nil
	}
	return struct {
		BlockHash []byte
		Height    uint64
	}{qc.BlockHash, qc.Height}
}

// Command is an opaque client payload identified by its content hash.
type Command struct {
	Payload []byte
}

// Hash returns H(cmd).
func (c *Command) Hash() ([]byte, error) {
	data, err := Encode(c.Payload)
	if err != nil {
		return nil, err
	}
	return hashSum(data), nil
}

// Block is the consensus unit: an ordered list of parent hashes (the
// first is the main parent), an ordered list of command hashes, and an
// optional justifying QC referencing an ancestor block.
type Block struct {
	Proposer     string
	Height       uint64
	ParentHashes [][]byte
	CmdHashes    [][]byte
	QCRef        *QC

	// Hash is carried on the wire so a decoded block can be checked
	// against its recomputed hash without re-deriving it first.
	Hash []byte
}

// shell returns the canonical, hash-stable projection of the block: every
// field except Hash itself.
func (b *Block) shell() interface{} {
	return struct {
		Proposer     string
		Height       uint64
		ParentHashes [][]byte
		CmdHashes    [][]byte
		QCRef        interface{}
	}{b.Proposer, b.Height, b.ParentHashes, b.CmdHashes, b.QCRef.shell()}
}

// ComputeHash derives the block's content hash from its shell.
func (b *Block) ComputeHash() ([]byte, error) {
	data, err := Encode(b.shell())
	if err != nil {
		return nil, err
	}
	return hashSum(data), nil
}

// MainParent returns the first parent hash, or nil if the block has none
// (only the genesis block).
func (b *Block) MainParent() []byte {
	if len(b.ParentHashes) == 0 {
		return nil
	}
	return b.ParentHashes[0]
}

// VerifyHash recomputes the block's hash and compares it against the
// envelope's Hash field. A block that fails this check must never enter
// the canonical store (spec open question: reject at add time).
func (b *Block) VerifyHash() error {
	h, err := b.ComputeHash()
	if err != nil {
		return err
	}
	if !bytes.Equal(h, b.Hash) {
		return ErrHashMismatch
	}
	return nil
}

// Genesis returns the unique, pre-delivered genesis block: empty parents,
// empty commands, no justifying QC.
func Genesis() *Block {
	b := &Block{
		Proposer:     "genesis",
		Height:       0,
		ParentHashes: nil,
		CmdHashes:    nil,
		QCRef:        nil,
	}
	h, err := b.ComputeHash()
	if err != nil {
		panic(err)
	}
	b.Hash = h
	return b
}

// IsGenesisQC reports whether qc is the virtual justification chained
// HotStuff needs for height 1 to extend: the synthetic anchor pointing
// at genesis, height 0, with no real threshold signature because no
// quorum ever voted on genesis.
func IsGenesisQC(qc *QC) bool {
	if qc == nil || qc.Height != 0 {
		return false
	}
	return bytes.Equal(qc.BlockHash, Genesis().Hash)
}

// Proposal is emitted by a proposer for block B: it carries B, the
// proposer's id, and the branch-QC hash the proposer is extending.
type Proposal struct {
	Block    *Block
	Proposer string
	BQCHash  []byte
}

// Vote is cast by a replica for a block. Sig is an ed25519 signature
// authenticating the vote itself; TSPartial is the voter's
// threshold-BLS partial signature share over BlockHash, accumulated by
// the proposer into the block's eventual QC.
type Vote struct {
	Voter     string
	BlockHash []byte
	BQCHash   []byte
	Sig       []byte
	TSPartial []byte
}

// shell returns the canonical projection of the vote covered by Sig.
func (v *Vote) shell() interface{} {
	return struct {
		Voter     string
		BlockHash []byte
		BQCHash   []byte
	}{v.Voter, v.BlockHash, v.BQCHash}
}

// CanonicalBytes returns the encoding of v's shell, the payload that Sig
// signs and VerifyEd25519 checks against.
func (v *Vote) CanonicalBytes() ([]byte, error) {
	return Encode(v.shell())
}

// DecisionCode is the outcome attached to a Finality.
type DecisionCode int

const (
	// DecisionRejected marks a command that will never commit (unused in
	// the steady-state path but reserved for future rejection paths).
	DecisionRejected DecisionCode = 0
	// DecisionCommitted marks a command executed by the state machine.
	DecisionCommitted DecisionCode = 1
	// DecisionNotProposer marks a command submitted to a non-proposer
	// replica; Proposer names who to retry at.
	DecisionNotProposer DecisionCode = -1
)

// Finality is returned to a client once its command is executed (or
// rejected) by the replicated state machine.
type Finality struct {
	DecidedBy string
	Decision  DecisionCode
	BlockHash []byte
	CmdHash   []byte
	Pos       int
	Proposer  string
}

// ReplicaInfo is one entry of the replica configuration: its id, network
// address, and public key.
type ReplicaInfo struct {
	ID     string
	Addr   string
	PubKey []byte
}

// ReplicaConfig is the ordered, static replica set for a run, with the
// derived BFT thresholds.
type ReplicaConfig struct {
	Replicas []ReplicaInfo
	N        int
	F        int
	Q        int
}

// NewReplicaConfig derives n, f = floor((n-1)/3), q = 2f+1 from the
// replica list.
func NewReplicaConfig(replicas []ReplicaInfo) *ReplicaConfig {
	n := len(replicas)
	f := (n - 1) / 3
	return &ReplicaConfig{
		Replicas: replicas,
		N:        n,
		F:        f,
		Q:        2*f + 1,
	}
}

// ByID looks up a replica's info by id.
func (rc *ReplicaConfig) ByID(id string) (ReplicaInfo, bool) {
	for _, r := range rc.Replicas {
		if r.ID == id {
			return r, true
		}
	}
	return ReplicaInfo{}, false
}
