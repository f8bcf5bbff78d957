package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/hadv/ockham/pkg/consensus"
)

// PebbleStore persists the block tree, QCs and the consensus snapshot.
// Only the engine writes; API readers share it read-only.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: b:<32-byte-hash>, ch:<32-byte-hash>, q:<8-byte-view><kind>, cs
func kBlock(h consensus.Hash) []byte { return append([]byte("b:"), h[:]...) }
func kChildren(h consensus.Hash) []byte {
	return append([]byte("ch:"), h[:]...)
}
func kQC(v consensus.View, kind consensus.VoteKind) []byte {
	k := append([]byte("q:"), viewKey(v)...)
	return append(k, byte(kind))
}
func kState() []byte     { return []byte("cs") }
func kHighestQC() []byte { return []byte("hq") }

func (s *PebbleStore) PutBlock(b consensus.Block) error {
	h := consensus.HashOfBlock(b)
	if _, ok, err := s.get(kBlock(h)); err != nil {
		return err
	} else if ok {
		return nil // idempotent
	}
	if cyc, err := s.wouldCycle(b, h); err != nil {
		return err
	} else if cyc {
		return fmt.Errorf("put block %s: parent chain cycles", h)
	}

	val, err := encodeGob(b)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(kBlock(h), val, nil); err != nil {
		return err
	}
	children := append(s.childrenOf(b.Parent), h)
	cval, err := encodeGob(children)
	if err != nil {
		return err
	}
	if err := batch.Set(kChildren(b.Parent), cval, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) wouldCycle(b consensus.Block, h consensus.Hash) (bool, error) {
	cur := b.Parent
	for steps := 0; steps < 1<<16; steps++ {
		if cur == h {
			return true, nil
		}
		p, ok := s.GetBlock(cur)
		if !ok {
			return false, nil
		}
		cur = p.Parent
	}
	return false, nil
}

func (s *PebbleStore) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), val...)
	closer.Close()
	return out, true, nil
}

func (s *PebbleStore) GetBlock(h consensus.Hash) (consensus.Block, bool) {
	val, ok, err := s.get(kBlock(h))
	if err != nil || !ok {
		return consensus.Block{}, false
	}
	var out consensus.Block
	if err := decodeGob(val, &out); err != nil {
		return consensus.Block{}, false
	}
	return out, true
}

func (s *PebbleStore) childrenOf(h consensus.Hash) []consensus.Hash {
	val, ok, err := s.get(kChildren(h))
	if err != nil || !ok {
		return nil
	}
	var out []consensus.Hash
	if err := decodeGob(val, &out); err != nil {
		return nil
	}
	return out
}

func (s *PebbleStore) ChildrenOf(h consensus.Hash) []consensus.Hash {
	return s.childrenOf(h)
}

func (s *PebbleStore) PutQC(qc consensus.QC) error {
	val, err := encodeGob(qc)
	if err != nil {
		return fmt.Errorf("encode qc: %w", err)
	}
	if err := s.db.Set(kQC(qc.View, qc.Kind), val, pebble.Sync); err != nil {
		return err
	}
	if hq, ok := s.HighestQC(); !ok || qc.View > hq.View {
		return s.db.Set(kHighestQC(), val, pebble.Sync)
	}
	return nil
}

func (s *PebbleStore) QCFor(v consensus.View, kind consensus.VoteKind) (consensus.QC, bool) {
	val, ok, err := s.get(kQC(v, kind))
	if err != nil || !ok {
		return consensus.QC{}, false
	}
	var out consensus.QC
	if err := decodeGob(val, &out); err != nil {
		return consensus.QC{}, false
	}
	return out, true
}

func (s *PebbleStore) HighestQC() (consensus.QC, bool) {
	val, ok, err := s.get(kHighestQC())
	if err != nil || !ok {
		return consensus.QC{}, false
	}
	var out consensus.QC
	if err := decodeGob(val, &out); err != nil {
		return consensus.QC{}, false
	}
	return out, true
}

func (s *PebbleStore) SaveState(snap consensus.Snapshot) error {
	val, err := encodeGob(snap)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.db.Set(kState(), val, pebble.Sync)
}

func (s *PebbleStore) LoadState() (consensus.Snapshot, bool) {
	val, ok, err := s.get(kState())
	if err != nil || !ok {
		return consensus.Snapshot{}, false
	}
	var out consensus.Snapshot
	if err := decodeGob(val, &out); err != nil {
		return consensus.Snapshot{}, false
	}
	return out, true
}

var _ consensus.BlockStore = (*PebbleStore)(nil)
