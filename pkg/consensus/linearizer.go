package consensus

import (
	"fmt"

	"go.uber.org/zap"
)

// Linearizer projects the finalized chain onto the ordered commit stream.
// Dummy blocks stay in the tree but are skipped at the commit boundary.
// Commitment is exactly-once: the walk position (LastCommitted) advances to
// the finalized tip after every run.
type Linearizer struct {
	state  *State
	store  BlockStore
	ledger *Ledger
	exec   Executor
	log    *zap.SugaredLogger
}

func NewLinearizer(state *State, store BlockStore, ledger *Ledger, exec Executor, log *zap.SugaredLogger) *Linearizer {
	return &Linearizer{state: state, store: store, ledger: ledger, exec: exec, log: log}
}

// OnFinalized walks from the last-committed hash forward to tip, applying
// slashing and handing Standard blocks to the executor in chain order.
func (l *Linearizer) OnFinalized(tip TipRef) error {
	if tip.Hash == l.state.LastCommitted {
		return nil
	}

	// Collect the newly finalized range by walking parent links backward.
	var path []Block
	cur := tip.Hash
	for cur != l.state.LastCommitted {
		b, ok := l.store.GetBlock(cur)
		if !ok {
			return fmt.Errorf("linearize: missing block %s on finalized path", cur)
		}
		path = append(path, b)
		if b.View == 0 {
			break
		}
		cur = b.Parent
	}

	for i := len(path) - 1; i >= 0; i-- {
		b := path[i]
		if b.Kind == BlockDummy {
			continue
		}
		l.ledger.ApplyCommitted(b)
		l.exec.CommitBlock(b)
		if l.log != nil {
			l.log.Infow("commit", "view", b.View, "hash", HashOfBlock(b).String(),
				"author", b.Author, "txs_bytes", len(b.Payload))
		}
	}
	l.state.LastCommitted = tip.Hash
	return nil
}
