package consensus_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"time"

	"github.com/hadv/ockham/pkg/consensus"
	"github.com/hadv/ockham/pkg/storage"
	"github.com/hadv/ockham/pkg/util"
)

// stubProvider is a deterministic fake crypto scheme: a signature is
// sha256("sig" | signer | msg), verifiable by anyone who knows the signer's
// pk ("pk:" | signer). Aggregates are non-empty markers.
type stubProvider struct {
	id string
}

func pkFor(id string) []byte { return []byte("pk:" + id) }

func sigFor(id string, msg []byte) []byte {
	h := sha256.Sum256(append([]byte("sig:"+id+":"), msg...))
	return h[:]
}

func (p stubProvider) Hash(data []byte) consensus.Hash { return sha256.Sum256(data) }
func (p stubProvider) Sign(msg []byte) []byte          { return sigFor(p.id, msg) }
func (p stubProvider) PublicKey() []byte               { return pkFor(p.id) }

func (p stubProvider) Verify(pk, msg, sig []byte) bool {
	if !bytes.HasPrefix(pk, []byte("pk:")) {
		return false
	}
	return bytes.Equal(sig, sigFor(string(pk[3:]), msg))
}

func (p stubProvider) Aggregate(sigs [][]byte) []byte {
	h := sha256.New()
	for _, s := range sigs {
		h.Write(s)
	}
	return h.Sum(nil)
}

func (p stubProvider) AggregateVerify(pks [][]byte, msg, agg []byte) bool {
	return len(agg) > 0 && len(pks) > 0
}

// fakeNet records every outbound action.
type fakeNet struct {
	proposals []consensus.Block
	votes     []consensus.Vote
	qcs       []consensus.QC
	requests  []consensus.Hash
	sent      []consensus.Block
	handlers  consensus.Handlers
}

func (n *fakeNet) BroadcastProposal(_ context.Context, b consensus.Block) error {
	n.proposals = append(n.proposals, b)
	return nil
}
func (n *fakeNet) BroadcastVote(_ context.Context, v consensus.Vote) error {
	n.votes = append(n.votes, v)
	return nil
}
func (n *fakeNet) BroadcastQC(_ context.Context, qc consensus.QC) error {
	n.qcs = append(n.qcs, qc)
	return nil
}
func (n *fakeNet) RequestBlock(_ context.Context, h consensus.Hash) error {
	n.requests = append(n.requests, h)
	return nil
}
func (n *fakeNet) SendBlock(_ context.Context, _ consensus.PeerID, b consensus.Block) error {
	n.sent = append(n.sent, b)
	return nil
}
func (n *fakeNet) SetHandlers(h consensus.Handlers) { n.handlers = h }

func (n *fakeNet) votesOfKind(kind consensus.VoteKind) []consensus.Vote {
	var out []consensus.Vote
	for _, v := range n.votes {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

// testExec serves a fixed payload and records commits.
type testExec struct {
	payload []byte
	commits []consensus.Block
}

func (x *testExec) PreparePayload(_ consensus.Block, _ consensus.View) []byte { return x.payload }
func (x *testExec) CommitBlock(b consensus.Block)                            { x.commits = append(x.commits, b) }

var testIDs = []consensus.ValidatorID{"val1", "val2", "val3", "val4"}

func testCommittee() consensus.Committee {
	vals := make([]consensus.Validator, 0, len(testIDs))
	for _, id := range testIDs {
		vals = append(vals, consensus.Validator{ID: id, PubKey: pkFor(string(id)), Stake: 10000})
	}
	return consensus.NewCommittee(vals)
}

type testNode struct {
	eng   *consensus.Engine
	net   *fakeNet
	exec  *testExec
	clock *util.ManualClock
	store *storage.InMemoryBlockStore
}

func newTestNode(self consensus.ValidatorID) *testNode {
	committee := testCommittee()
	state := consensus.NewState(self, committee, nil)
	net := &fakeNet{}
	exec := &testExec{payload: []byte("tx1")}
	clock := util.NewManualClock(time.Unix(0, 0))
	store := storage.NewInMemoryBlockStore()
	cfg := consensus.DefaultConfig()
	eng := consensus.NewEngine(state, store, net, exec, stubProvider{id: string(self)}, clock, cfg, nil)
	return &testNode{eng: eng, net: net, exec: exec, clock: clock, store: store}
}

// leaderOf resolves the deterministic draw the engine itself will make.
func (n *testNode) leaderOf(v consensus.View) consensus.ValidatorID {
	genesis := consensus.HashOfBlock(n.eng.State.Genesis)
	seed := consensus.LeaderSeed(n.store, genesis, v)
	return consensus.LeaderOf(n.eng.State.Committee, v, n.eng.State.Stakes, seed)
}

// voteFrom builds a correctly signed vote by another committee member.
func voteFrom(id consensus.ValidatorID, kind consensus.VoteKind, v consensus.View, target consensus.Hash) consensus.Vote {
	return consensus.Vote{
		View:      v,
		BlockHash: target,
		Kind:      kind,
		Signer:    id,
		Sig:       sigFor(string(id), consensus.VoteDigest(v, kind, target)),
	}
}

// feedVotes delivers votes of the given kind from other validators until
// the engine has seen count votes total for the target (its own vote
// included when it cast one).
func (n *testNode) feedVotes(ctx context.Context, kind consensus.VoteKind, v consensus.View, target consensus.Hash, from []consensus.ValidatorID) {
	for _, id := range from {
		if id == n.eng.State.Self {
			continue
		}
		n.eng.HandleEvent(ctx, consensus.VoteReceived{Vote: voteFrom(id, kind, v, target)})
	}
}
