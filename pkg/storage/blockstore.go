package storage

import (
	"fmt"
	"sync"

	"github.com/hadv/ockham/pkg/consensus"
)

// InMemoryBlockStore is the arena-style store used by tests and dev mode:
// hash → record, with children kept as an index rather than a pointer
// graph.
type InMemoryBlockStore struct {
	mu        sync.RWMutex
	blocks    map[consensus.Hash]consensus.Block
	children  map[consensus.Hash][]consensus.Hash
	qcs       map[qcKey]consensus.QC
	highest   *consensus.QC
	snapshot  *consensus.Snapshot
}

type qcKey struct {
	view consensus.View
	kind consensus.VoteKind
}

func NewInMemoryBlockStore() *InMemoryBlockStore {
	return &InMemoryBlockStore{
		blocks:   make(map[consensus.Hash]consensus.Block),
		children: make(map[consensus.Hash][]consensus.Hash),
		qcs:      make(map[qcKey]consensus.QC),
	}
}

func (s *InMemoryBlockStore) PutBlock(b consensus.Block) error {
	h := consensus.HashOfBlock(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[h]; ok {
		return nil // idempotent
	}
	if s.wouldCycle(b, h) {
		return fmt.Errorf("put block %s: parent chain cycles", h)
	}
	s.blocks[h] = b
	s.children[b.Parent] = append(s.children[b.Parent], h)
	return nil
}

// wouldCycle walks parent links from b; reaching h again means the write
// would close a loop. Content addressing makes this unreachable in
// practice, but the contract requires rejection.
func (s *InMemoryBlockStore) wouldCycle(b consensus.Block, h consensus.Hash) bool {
	cur := b.Parent
	for steps := 0; steps < len(s.blocks)+1; steps++ {
		if cur == h {
			return true
		}
		p, ok := s.blocks[cur]
		if !ok {
			return false
		}
		cur = p.Parent
	}
	return false
}

func (s *InMemoryBlockStore) GetBlock(h consensus.Hash) (consensus.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[h]
	return b, ok
}

func (s *InMemoryBlockStore) ChildrenOf(h consensus.Hash) []consensus.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]consensus.Hash(nil), s.children[h]...)
}

func (s *InMemoryBlockStore) PutQC(qc consensus.QC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qcs[qcKey{view: qc.View, kind: qc.Kind}] = qc
	if s.highest == nil || qc.View > s.highest.View {
		q := qc
		s.highest = &q
	}
	return nil
}

func (s *InMemoryBlockStore) QCFor(v consensus.View, kind consensus.VoteKind) (consensus.QC, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qc, ok := s.qcs[qcKey{view: v, kind: kind}]
	return qc, ok
}

func (s *InMemoryBlockStore) HighestQC() (consensus.QC, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.highest == nil {
		return consensus.QC{}, false
	}
	return *s.highest, true
}

func (s *InMemoryBlockStore) SaveState(snap consensus.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = &snap
	return nil
}

func (s *InMemoryBlockStore) LoadState() (consensus.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return consensus.Snapshot{}, false
	}
	return *s.snapshot, true
}

var _ consensus.BlockStore = (*InMemoryBlockStore)(nil)
