package consensus

import "context"

// Provider abstracts the cryptographic capabilities the engine needs. It is
// stateless-reentrant apart from owning this node's keypair.
type Provider interface {
	Hash(data []byte) Hash
	Sign(msg []byte) []byte
	PublicKey() []byte
	Verify(pk, msg, sig []byte) bool
	Aggregate(sigs [][]byte) []byte
	AggregateVerify(pks [][]byte, msg, agg []byte) bool
}

// BlockStore persists blocks, QCs and the consensus snapshot. Only the
// engine writes; external readers share it read-only.
type BlockStore interface {
	// PutBlock is idempotent. A write whose parent chain would loop back
	// onto the written hash is rejected.
	PutBlock(b Block) error
	GetBlock(h Hash) (Block, bool)
	ChildrenOf(h Hash) []Hash

	PutQC(qc QC) error
	QCFor(v View, kind VoteKind) (QC, bool)
	HighestQC() (QC, bool)

	SaveState(snap Snapshot) error
	LoadState() (Snapshot, bool)
}

type WAL interface {
	Append(line string)
}

// Handlers are the inbound network events, delivered into the engine's
// serialized queue.
type Handlers struct {
	OnProposal     func(b Block)
	OnVote         func(v Vote)
	OnQC           func(qc QC)
	OnSyncRequest  func(h Hash, peer PeerID)
	OnSyncResponse func(b Block)
}

// Network is the outbound action surface.
type Network interface {
	BroadcastProposal(ctx context.Context, b Block) error
	BroadcastVote(ctx context.Context, v Vote) error
	BroadcastQC(ctx context.Context, qc QC) error
	RequestBlock(ctx context.Context, h Hash) error
	SendBlock(ctx context.Context, to PeerID, b Block) error

	SetHandlers(h Handlers)
}

// Executor is the application hook: payload sourcing on propose, ordered
// delivery on commit.
type Executor interface {
	PreparePayload(parent Block, v View) []byte
	CommitBlock(b Block)
}
