package consensus

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// LeaderSeedOffset fixes the view whose QC seeds a leader draw: the draw
// for view v uses the QC of view v-2, which is final before anyone can
// grind on it. Views 1 and 2 fall back to the genesis hash.
const LeaderSeedOffset = 2

// LeaderOf draws the leader of view v from the committee, stake-weighted
// and deterministic: every honest node with the same committee, stakes and
// seed picks the same validator. With no stake in the committee the draw
// degrades to round-robin.
func LeaderOf(c Committee, v View, stakes map[ValidatorID]uint64, seed Hash) ValidatorID {
	n := c.Len()
	if n == 0 {
		return ""
	}

	h := sha3.NewLegacyKeccak256()
	h.Write(seed[:])
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], uint64(v))
	h.Write(vb[:])
	draw := binary.BigEndian.Uint64(h.Sum(nil)[:8])

	total := c.TotalStake(stakes)
	if total == 0 {
		return c.ByIndex(int(uint64(v) % uint64(n))).ID
	}

	r := draw % total
	for _, val := range c.Members() {
		s := stakes[val.ID]
		if r < s {
			return val.ID
		}
		r -= s
	}
	return c.ByIndex(n - 1).ID
}

// LeaderSeed derives the draw seed for view v from the stored QC of view
// v-LeaderSeedOffset (whichever kind advanced that view), falling back to
// the genesis block hash for the first views. Only the QC's canonical
// subtuple (view, kind, block_hash) is mixed in: the signer bitset and
// aggregate signature vary with vote arrival order across nodes, while the
// subtuple is identical on every honest node that advanced the view.
func LeaderSeed(store BlockStore, genesis Hash, v View) Hash {
	if v <= LeaderSeedOffset {
		return genesis
	}
	sv := v - LeaderSeedOffset
	qc, ok := store.QCFor(sv, KindNotarize)
	if !ok {
		qc, ok = store.QCFor(sv, KindTimeout)
	}
	if !ok {
		return genesis
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(VoteDigest(qc.View, qc.Kind, qc.BlockHash))
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
