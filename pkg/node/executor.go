package node

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hadv/ockham/pkg/consensus"
	"github.com/hadv/ockham/pkg/mempool"
)

// Executor bridges the engine to the application side: it sources proposal
// payloads from the mempool and fans the ordered commit stream out to
// subscribers. Transaction semantics beyond payload transport are a
// collaborator outside the core.
type Executor struct {
	Mempool *mempool.Mempool
	Logger  *zap.SugaredLogger

	BlockSizeCap int64

	mu   sync.Mutex
	subs []chan consensus.Block
}

func NewExecutor(pool *mempool.Mempool, blockSizeCap int64, log *zap.SugaredLogger) *Executor {
	return &Executor{Mempool: pool, BlockSizeCap: blockSizeCap, Logger: log}
}

func (x *Executor) PreparePayload(_ consensus.Block, _ consensus.View) []byte {
	txs := x.Mempool.SelectForProposal(x.BlockSizeCap)
	var payload []byte
	for _, tx := range txs {
		payload = append(payload, tx...)
		payload = append(payload, 0x00)
	}
	return payload
}

func (x *Executor) CommitBlock(b consensus.Block) {
	txs := SplitPayload(b.Payload)
	if x.Logger != nil && len(txs) > 0 {
		x.Logger.Infow("executor_commit", "view", b.View, "txs", len(txs))
	}
	x.mu.Lock()
	subs := append([]chan consensus.Block(nil), x.subs...)
	x.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- b:
		default: // slow subscriber; the store remains the source of truth
		}
	}
}

// SubscribeCommits returns a buffered channel receiving every committed
// block from now on.
func (x *Executor) SubscribeCommits() <-chan consensus.Block {
	ch := make(chan consensus.Block, 64)
	x.mu.Lock()
	x.subs = append(x.subs, ch)
	x.mu.Unlock()
	return ch
}

// SplitPayload undoes the 0x00-delimited transaction packing.
func SplitPayload(p []byte) [][]byte {
	var out [][]byte
	cur := make([]byte, 0, len(p))
	for _, b := range p {
		if b == 0x00 {
			if len(cur) > 0 {
				out = append(out, append([]byte(nil), cur...))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, b)
	}
	if len(cur) > 0 {
		out = append(out, append([]byte(nil), cur...))
	}
	return out
}

var _ consensus.Executor = (*Executor)(nil)
