package consensus

import (
	"context"
	"sync"
)

// Verifier is the data-parallel signature pre-check sitting between the
// network and the engine queue. Verification is stateless; verdicts are
// re-admitted as events so the state machine stays deterministic on
// verified-input order. Messages whose signer is unknown to the verifier's
// committee snapshot pass through unverified and the engine checks inline.
type Verifier struct {
	crypto Provider
	submit func(Event)

	mu        sync.RWMutex
	committee Committee

	jobs chan func()
}

func NewVerifier(crypto Provider, committee Committee, submit func(Event), workers int) *Verifier {
	if workers <= 0 {
		workers = 4
	}
	return &Verifier{
		crypto:    crypto,
		submit:    submit,
		committee: committee,
		jobs:      make(chan func(), 256),
	}
}

func (vf *Verifier) Run(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-vf.jobs:
					job()
				}
			}
		}()
	}
}

func (vf *Verifier) SetCommittee(c Committee) {
	vf.mu.Lock()
	vf.committee = c
	vf.mu.Unlock()
}

func (vf *Verifier) member(id ValidatorID) (Validator, bool) {
	vf.mu.RLock()
	defer vf.mu.RUnlock()
	return vf.committee.Member(id)
}

func (vf *Verifier) quorum() int {
	vf.mu.RLock()
	defer vf.mu.RUnlock()
	return vf.committee.Quorum()
}

func (vf *Verifier) pubKeysFor(bits SignerBitset) [][]byte {
	vf.mu.RLock()
	defer vf.mu.RUnlock()
	return vf.committee.PubKeysFor(bits)
}

func (vf *Verifier) enqueue(job func()) {
	select {
	case vf.jobs <- job:
	default:
		job() // pool saturated; verify on the caller
	}
}

func (vf *Verifier) SubmitProposal(b Block) {
	vf.enqueue(func() {
		val, ok := vf.member(b.Author)
		if !ok {
			vf.submit(ProposalReceived{Block: b})
			return
		}
		if !vf.crypto.Verify(val.PubKey, b.HeaderBytes(), b.Sig) {
			return // unauthenticated: drop before the queue
		}
		vf.submit(ProposalReceived{Block: b, SigVerified: true})
	})
}

func (vf *Verifier) SubmitVote(v Vote) {
	vf.enqueue(func() {
		val, ok := vf.member(v.Signer)
		if !ok {
			vf.submit(VoteReceived{Vote: v})
			return
		}
		if !vf.crypto.Verify(val.PubKey, VoteDigest(v.View, v.Kind, v.BlockHash), v.Sig) {
			return
		}
		vf.submit(VoteReceived{Vote: v, SigVerified: true})
	})
}

func (vf *Verifier) SubmitQC(qc QC) {
	vf.enqueue(func() {
		if qc.Signers.Count() < vf.quorum() {
			return
		}
		pks := vf.pubKeysFor(qc.Signers)
		if !vf.crypto.AggregateVerify(pks, VoteDigest(qc.View, qc.Kind, qc.BlockHash), qc.AggSig) {
			return
		}
		vf.submit(QCReceived{QC: qc, SigVerified: true})
	})
}
