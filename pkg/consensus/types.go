package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"
)

type ValidatorID string
type View uint64
type PeerID string

type Hash [32]byte

// ZeroHash is the block-hash target of Timeout votes and the identity of
// the per-view dummy placeholder inside votes and QCs.
var ZeroHash = Hash{}

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }
func (h Hash) IsZero() bool   { return h == ZeroHash }

type BlockKind uint8

const (
	BlockStandard BlockKind = iota
	BlockDummy
)

// VoteKind doubles as the QC kind: a QC of kind K aggregates votes of kind K.
type VoteKind uint8

const (
	KindNotarize VoteKind = iota
	KindFinalize
	KindTimeout
)

func (k VoteKind) String() string {
	switch k {
	case KindNotarize:
		return "notarize"
	case KindFinalize:
		return "finalize"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Block is a closed variant: Standard blocks carry author, payload and
// optional equivocation evidence; Dummy blocks carry neither and exist only
// to keep the view sequence connected after a timed-out view.
type Block struct {
	Kind     BlockKind
	View     View
	Parent   Hash
	Author   ValidatorID // empty for dummy
	Payload  []byte      // nil for dummy
	Evidence []Equivocation
	Justify  QC
	Sig      []byte // author signature over HeaderBytes; nil for dummy and genesis
}

type QC struct {
	View      View
	BlockHash Hash // ZeroHash for Timeout QCs
	Kind      VoteKind
	Signers   SignerBitset
	AggSig    []byte
}

type Vote struct {
	View      View
	BlockHash Hash // ZeroHash for Timeout votes
	Kind      VoteKind
	Signer    ValidatorID
	Sig       []byte
}

// Equivocation is a pair of conflicting non-Timeout votes by one signer in
// the same (view, kind). Both votes are retained as evidence.
type Equivocation struct {
	First  Vote
	Second Vote
}

// TipRef names a (view, hash) point on the chain.
type TipRef struct {
	View View
	Hash Hash
}

// SignerBitset indexes signers by their position in the committee order.
type SignerBitset []uint64

func NewSignerBitset(n int) SignerBitset {
	return make(SignerBitset, (n+63)/64)
}

func (s SignerBitset) Set(i int)      { s[i/64] |= 1 << uint(i%64) }
func (s SignerBitset) Has(i int) bool { return i/64 < len(s) && s[i/64]&(1<<uint(i%64)) != 0 }

func (s SignerBitset) Count() int {
	n := 0
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}

func (s SignerBitset) Clone() SignerBitset {
	out := make(SignerBitset, len(s))
	copy(out, s)
	return out
}

// ---- canonical encodings ----
//
// All signed and hashed material uses a fixed field order with big-endian
// fixed-width integers and length-prefixed variable fields, so every node
// derives identical digests.

func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func putBytes(buf, b []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	buf = append(buf, l[:]...)
	return append(buf, b...)
}

// VoteDigest is the message signed by a vote and covered by the matching
// QC's aggregate signature: (view, kind, block_hash).
func VoteDigest(v View, kind VoteKind, h Hash) []byte {
	buf := make([]byte, 0, 41)
	buf = putU64(buf, uint64(v))
	buf = append(buf, byte(kind))
	buf = append(buf, h[:]...)
	return buf
}

// EncodeVote is the canonical wire form of a full vote (digest + signer + sig).
func EncodeVote(v Vote) []byte {
	buf := VoteDigest(v.View, v.Kind, v.BlockHash)
	buf = putBytes(buf, []byte(v.Signer))
	buf = putBytes(buf, v.Sig)
	return buf
}

// EncodeQC is the canonical form of a quorum certificate; it is folded into
// block headers via the justify field.
func EncodeQC(q QC) []byte {
	buf := make([]byte, 0, 64)
	buf = putU64(buf, uint64(q.View))
	buf = append(buf, byte(q.Kind))
	buf = append(buf, q.BlockHash[:]...)
	buf = putU64(buf, uint64(len(q.Signers)))
	for _, w := range q.Signers {
		buf = putU64(buf, w)
	}
	buf = putBytes(buf, q.AggSig)
	return buf
}

// HeaderBytes is the canonical encoding of a block minus the author
// signature. Block hashes and proposal signatures are computed over it.
func (b Block) HeaderBytes() []byte {
	buf := make([]byte, 0, 128+len(b.Payload))
	buf = append(buf, byte(b.Kind))
	buf = putU64(buf, uint64(b.View))
	buf = append(buf, b.Parent[:]...)
	buf = putBytes(buf, []byte(b.Author))
	buf = putBytes(buf, b.Payload)
	buf = putU64(buf, uint64(len(b.Evidence)))
	for _, ev := range b.Evidence {
		buf = putBytes(buf, EncodeVote(ev.First))
		buf = putBytes(buf, EncodeVote(ev.Second))
	}
	buf = putBytes(buf, EncodeQC(b.Justify))
	return buf
}

// HashOfBlock is the block identity: sha256 over the canonical header.
func HashOfBlock(b Block) Hash {
	return sha256.Sum256(b.HeaderBytes())
}

// GenesisBlock is the well-known view-0 block with a null self-justifying QC.
func GenesisBlock() Block {
	return Block{
		Kind:   BlockStandard,
		View:   0,
		Parent: ZeroHash,
		Author: ValidatorID("genesis"),
	}
}

// DummyBlock materializes the placeholder for a timed-out view: parent is
// the predecessor tip, justify is the Timeout QC that closed the view.
func DummyBlock(v View, parent Hash, justify QC) Block {
	return Block{Kind: BlockDummy, View: v, Parent: parent, Justify: justify}
}
