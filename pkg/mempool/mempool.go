package mempool

import "sync"

// Mempool is the FIFO queue of raw transaction payloads feeding proposals.
// Transaction semantics live in the executor; the pool only preserves
// admission order and the block size cap.
type Mempool struct {
	mu  sync.Mutex
	txs [][]byte
}

func New() *Mempool {
	return &Mempool{}
}

// Push enqueues one raw transaction.
func (m *Mempool) Push(b []byte) {
	cp := append([]byte(nil), b...)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, cp)
}

// SelectForProposal returns up to maxBytes worth of transactions in FIFO
// order, removing them from the pool.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64
	for len(m.txs) > 0 {
		tx := m.txs[0]
		n := int64(len(tx))
		if maxBytes > 0 && used+n > maxBytes {
			break
		}
		out = append(out, tx)
		used += n
		m.txs = m.txs[1:]
	}
	return out
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}
