package consensus

import "go.uber.org/zap"

// Penalty and threshold constants of the slashing sub-ledger.
const (
	LivenessPenalty     = 10
	EquivocationPenalty = 1000
	MinStake            = 2000
	MaxInactivityScore  = 50
)

// Ledger mutates stake, inactivity scores and the committee as a
// deterministic function of the committed block stream. It runs at
// commit-time only, fed by the linearizer.
type Ledger struct {
	state *State
	store BlockStore
	log   *zap.SugaredLogger
}

func NewLedger(state *State, store BlockStore, log *zap.SugaredLogger) *Ledger {
	return &Ledger{state: state, store: store, log: log}
}

// ApplyCommitted processes one committed Standard block in the fixed order:
// liveness penalty, equivocation penalties, author reward, threshold
// removals. Committee removals take effect from the next view.
func (l *Ledger) ApplyCommitted(b Block) {
	st := l.state

	// Liveness: a Timeout justify means the prior view's leader produced
	// nothing; charge them.
	if b.Justify.Kind == KindTimeout {
		seed := LeaderSeed(l.store, HashOfBlock(st.Genesis), b.Justify.View)
		failed := LeaderOf(st.Committee, b.Justify.View, st.Stakes, seed)
		if failed != "" {
			st.InactivityScores[failed]++
			st.Stakes[failed] = deduct(st.Stakes[failed], LivenessPenalty)
			if l.log != nil {
				l.log.Infow("liveness_penalty", "validator", failed, "view", b.Justify.View,
					"score", st.InactivityScores[failed], "stake", st.Stakes[failed])
			}
		}
	}

	// Equivocation: evidence embedded in the block body. Timeout votes
	// never reach here; the tracker excludes them from evidence.
	for _, ev := range b.Evidence {
		offender := ev.First.Signer
		if _, ok := st.Committee.Index(offender); !ok {
			continue
		}
		st.Stakes[offender] = deduct(st.Stakes[offender], EquivocationPenalty)
		if l.log != nil {
			l.log.Warnw("equivocation_penalty", "validator", offender,
				"view", ev.First.View, "stake", st.Stakes[offender])
		}
		if st.Stakes[offender] < MinStake {
			l.remove(offender, "stake_below_minimum")
		}
	}

	// Reward: a productive view clears one unit of its author's score.
	if b.Kind == BlockStandard && b.Justify.Kind != KindTimeout && b.Author != "" {
		if st.InactivityScores[b.Author] > 0 {
			st.InactivityScores[b.Author]--
		}
	}

	// Threshold removals.
	for _, v := range st.Committee.Members() {
		if st.InactivityScores[v.ID] > MaxInactivityScore {
			l.remove(v.ID, "inactivity")
		}
	}
}

func (l *Ledger) remove(id ValidatorID, reason string) {
	if _, ok := l.state.Committee.Index(id); !ok {
		return
	}
	l.state.Committee = l.state.Committee.Without(id)
	if l.log != nil {
		l.log.Warnw("committee_removal", "validator", id, "reason", reason,
			"committee_size", l.state.Committee.Len())
	}
}

func deduct(stake, penalty uint64) uint64 {
	if stake < penalty {
		return 0
	}
	return stake - penalty
}
