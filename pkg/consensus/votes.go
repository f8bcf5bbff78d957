package consensus

// VoteTracker aggregates votes per (view, kind). Aggregation is
// incremental: each accepted vote folds its signature into a running
// aggregate and sets its committee bit, and quorum is reported exactly once
// on the transition over threshold.
type VoteTracker struct {
	crypto    Provider
	committee Committee
	sets      map[voteKey]*voteSet
}

type voteKey struct {
	view View
	kind VoteKind
}

type voteSet struct {
	bySigner map[ValidatorID]Vote
	targets  map[Hash]*voteAgg
}

type voteAgg struct {
	bits    SignerBitset
	aggSig  []byte
	count   int
	reached bool
}

type VoteOutcome uint8

const (
	VoteAccepted VoteOutcome = iota
	VoteDuplicate
	VoteRejected // unknown signer
	VoteEquivocation
	VoteQuorumReached
)

type VoteEvent struct {
	Outcome  VoteOutcome
	QC       *QC
	Evidence *Equivocation
}

func NewVoteTracker(crypto Provider, committee Committee) *VoteTracker {
	return &VoteTracker{
		crypto:    crypto,
		committee: committee,
		sets:      make(map[voteKey]*voteSet),
	}
}

// SetCommittee swaps the active committee after a slashing removal. Sets
// already in flight keep their old bitset geometry; they formed against the
// committee active at their view.
func (t *VoteTracker) SetCommittee(c Committee) { t.committee = c }

func (t *VoteTracker) Ingest(v Vote) VoteEvent {
	idx, ok := t.committee.Index(v.Signer)
	if !ok {
		return VoteEvent{Outcome: VoteRejected}
	}

	key := voteKey{view: v.View, kind: v.Kind}
	set := t.sets[key]
	if set == nil {
		set = &voteSet{
			bySigner: make(map[ValidatorID]Vote),
			targets:  make(map[Hash]*voteAgg),
		}
		t.sets[key] = set
	}

	if prev, seen := set.bySigner[v.Signer]; seen {
		if prev.BlockHash == v.BlockHash {
			return VoteEvent{Outcome: VoteDuplicate}
		}
		// Timeout votes target ZeroHash only; two timeout votes with
		// differing hashes cannot occur, so this branch is the
		// notarize/finalize conflict. Both votes are kept as evidence.
		if v.Kind != KindTimeout {
			ev := Equivocation{First: prev, Second: v}
			return VoteEvent{Outcome: VoteEquivocation, Evidence: &ev}
		}
		return VoteEvent{Outcome: VoteDuplicate}
	}
	set.bySigner[v.Signer] = v

	agg := set.targets[v.BlockHash]
	if agg == nil {
		agg = &voteAgg{bits: NewSignerBitset(t.committee.Len())}
		set.targets[v.BlockHash] = agg
	}
	agg.bits.Set(idx)
	agg.count++
	if agg.aggSig == nil {
		agg.aggSig = v.Sig
	} else {
		agg.aggSig = t.crypto.Aggregate([][]byte{agg.aggSig, v.Sig})
	}

	if !agg.reached && agg.count >= t.committee.Quorum() {
		agg.reached = true
		qc := QC{
			View:      v.View,
			BlockHash: v.BlockHash,
			Kind:      v.Kind,
			Signers:   agg.bits.Clone(),
			AggSig:    agg.aggSig,
		}
		return VoteEvent{Outcome: VoteQuorumReached, QC: &qc}
	}
	return VoteEvent{Outcome: VoteAccepted}
}

// PruneBelow drops vote sets for historical views. Votes live only long
// enough to form a QC.
func (t *VoteTracker) PruneBelow(v View) {
	for key := range t.sets {
		if key.view < v {
			delete(t.sets, key)
		}
	}
}
