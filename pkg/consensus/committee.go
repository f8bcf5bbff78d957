package consensus

import (
	"github.com/ethereum/go-ethereum/common"
)

// Validator is one committee member. PubKey is the serialized BLS public
// key; Address is the operator address derived from it.
type Validator struct {
	ID      ValidatorID
	PubKey  []byte
	Stake   uint64
	Address common.Address
}

// Committee is an ordered validator sequence. Order is significant: signer
// bitsets in QCs index into it.
type Committee struct {
	vals  []Validator
	index map[ValidatorID]int
}

func NewCommittee(vals []Validator) Committee {
	c := Committee{vals: append([]Validator(nil), vals...), index: make(map[ValidatorID]int, len(vals))}
	for i, v := range c.vals {
		c.index[v.ID] = i
	}
	return c
}

func (c Committee) Len() int { return len(c.vals) }

// Quorum is the signature threshold: floor(2n/3) + 1.
func (c Committee) Quorum() int { return 2*len(c.vals)/3 + 1 }

func (c Committee) Index(id ValidatorID) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

func (c Committee) Member(id ValidatorID) (Validator, bool) {
	if i, ok := c.index[id]; ok {
		return c.vals[i], true
	}
	return Validator{}, false
}

func (c Committee) ByIndex(i int) Validator { return c.vals[i] }

func (c Committee) Members() []Validator {
	return append([]Validator(nil), c.vals...)
}

func (c Committee) TotalStake(stakes map[ValidatorID]uint64) uint64 {
	var total uint64
	for _, v := range c.vals {
		total += stakes[v.ID]
	}
	return total
}

// Without returns a committee with id removed, preserving the order of the
// remaining members. Bitsets formed against the old order are not valid
// against the new one; removals therefore only take effect from the next
// view.
func (c Committee) Without(id ValidatorID) Committee {
	out := make([]Validator, 0, len(c.vals))
	for _, v := range c.vals {
		if v.ID != id {
			out = append(out, v)
		}
	}
	return NewCommittee(out)
}

// PubKeysFor collects the public keys selected by a signer bitset, in
// committee order, for aggregate verification.
func (c Committee) PubKeysFor(bits SignerBitset) [][]byte {
	var pks [][]byte
	for i := range c.vals {
		if bits.Has(i) {
			pks = append(pks, c.vals[i].PubKey)
		}
	}
	return pks
}
