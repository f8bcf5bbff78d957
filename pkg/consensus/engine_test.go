package consensus_test

import (
	"context"
	"testing"

	"github.com/hadv/ockham/pkg/consensus"
)

// Scenario: leader proposes, notarize quorum forms, finalize quorum forms,
// the block commits exactly once and the view advances.
func TestHappyPathCommit(t *testing.T) {
	ctx := context.Background()
	probe := newTestNode(testIDs[0])
	leader := probe.leaderOf(1)

	n := newTestNode(leader)
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if len(n.net.proposals) != 1 {
		t.Fatalf("expected 1 proposal from leader, got %d", len(n.net.proposals))
	}
	b1 := n.net.proposals[0]
	h1 := consensus.HashOfBlock(b1)
	if got := n.net.votesOfKind(consensus.KindNotarize); len(got) != 1 || got[0].BlockHash != h1 {
		t.Fatalf("leader should notarize-vote its own proposal, got %v", got)
	}

	// Two more notarize votes reach quorum (Q=3 of 4).
	n.feedVotes(ctx, consensus.KindNotarize, 1, h1, testIDs[:3])

	if n.eng.State.CurrentView != 2 {
		t.Fatalf("expected advance to view 2, got %d", n.eng.State.CurrentView)
	}
	if n.eng.State.HighestNotarized != (consensus.TipRef{View: 1, Hash: h1}) {
		t.Fatalf("highest notarized = %+v", n.eng.State.HighestNotarized)
	}
	fin := n.net.votesOfKind(consensus.KindFinalize)
	if len(fin) != 1 || fin[0].View != 1 || fin[0].BlockHash != h1 {
		t.Fatalf("expected finalize vote for view 1, got %v", fin)
	}

	// Finalize quorum commits the block.
	n.feedVotes(ctx, consensus.KindFinalize, 1, h1, testIDs[:3])

	if n.eng.State.HighestFinalized.View != 1 {
		t.Fatalf("highest finalized = %+v", n.eng.State.HighestFinalized)
	}
	if len(n.exec.commits) != 1 || consensus.HashOfBlock(n.exec.commits[0]) != h1 {
		t.Fatalf("expected exactly one commit of b1, got %d", len(n.exec.commits))
	}
	for _, id := range testIDs {
		if n.eng.State.Stakes[id] != 10000 {
			t.Fatalf("stake changed for %s: %d", id, n.eng.State.Stakes[id])
		}
		if n.eng.State.InactivityScores[id] != 0 {
			t.Fatalf("score changed for %s", id)
		}
	}

	// Replaying the finalize quorum must not commit twice.
	n.feedVotes(ctx, consensus.KindFinalize, 1, h1, testIDs[:3])
	if len(n.exec.commits) != 1 {
		t.Fatalf("duplicate commit: %d", len(n.exec.commits))
	}
}

// Scenario: the leader stays silent, timers fire, a Timeout QC forms, the
// view advances over a dummy block and no Finalize vote is ever emitted.
func TestTimeoutRecovery(t *testing.T) {
	ctx := context.Background()
	probe := newTestNode(testIDs[0])
	leader := probe.leaderOf(1)

	// Pick a node that is NOT the leader of view 1 so nothing is proposed.
	self := testIDs[0]
	for _, id := range testIDs {
		if id != leader {
			self = id
			break
		}
	}
	n := newTestNode(self)
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(n.net.proposals) != 0 {
		t.Fatalf("non-leader proposed")
	}

	n.eng.OnTimerExpiry(ctx, 1)

	tos := n.net.votesOfKind(consensus.KindTimeout)
	if len(tos) != 1 || tos[0].View != 1 || !tos[0].BlockHash.IsZero() {
		t.Fatalf("expected timeout vote with zero hash, got %v", tos)
	}

	n.feedVotes(ctx, consensus.KindTimeout, 1, consensus.ZeroHash, testIDs[:3])

	if n.eng.State.CurrentView != 2 {
		t.Fatalf("expected view 2 after timeout QC, got %d", n.eng.State.CurrentView)
	}
	if len(n.net.votesOfKind(consensus.KindFinalize)) != 0 {
		t.Fatalf("finalize vote emitted for a timed-out view")
	}

	// The dummy for view 1 is in the tree, parented on genesis.
	genesisHash := consensus.HashOfBlock(n.eng.State.Genesis)
	children := n.store.ChildrenOf(genesisHash)
	if len(children) != 1 {
		t.Fatalf("expected dummy child of genesis, got %d", len(children))
	}
	dummy, ok := n.store.GetBlock(children[0])
	if !ok || dummy.Kind != consensus.BlockDummy || dummy.View != 1 {
		t.Fatalf("unexpected dummy block: %+v", dummy)
	}
}

// A stale timer firing for a past view is a no-op.
func TestStaleTimerIgnored(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(testIDs[0])
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	n.eng.OnTimerExpiry(ctx, 1)
	n.feedVotes(ctx, consensus.KindTimeout, 1, consensus.ZeroHash, testIDs[:3])
	before := len(n.net.votes)

	n.eng.OnTimerExpiry(ctx, 1) // stale
	if len(n.net.votes) != before {
		t.Fatalf("stale timer emitted a vote")
	}
}

// Once a node voted Timeout in a view, a late Notarize QC for that view
// must not trigger a Finalize vote.
func TestNoFinalizeAfterTimeout(t *testing.T) {
	ctx := context.Background()
	probe := newTestNode(testIDs[0])
	leader := probe.leaderOf(1)
	n := newTestNode(leader)
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	b1 := n.net.proposals[0]
	h1 := consensus.HashOfBlock(b1)

	n.eng.OnTimerExpiry(ctx, 1)

	// Notarize quorum arrives after the local timeout.
	n.feedVotes(ctx, consensus.KindNotarize, 1, h1, testIDs[:3])

	if n.eng.State.CurrentView != 2 {
		t.Fatalf("notarize QC should still advance the view, got %d", n.eng.State.CurrentView)
	}
	if len(n.net.votesOfKind(consensus.KindFinalize)) != 0 {
		t.Fatalf("finalize vote emitted after timeout in the same view")
	}
}

// Scenario: proposals arriving parent-first out of order are buffered,
// requested, and admitted in order once the chain bottoms out.
func TestOrphanSync(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(testIDs[0])
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	genesisHash := consensus.HashOfBlock(n.eng.State.Genesis)
	genesisQC := consensus.QC{View: 0, BlockHash: genesisHash, Kind: consensus.KindNotarize}

	quorumBits := consensus.NewSignerBitset(4)
	quorumBits.Set(0)
	quorumBits.Set(1)
	quorumBits.Set(2)

	makeBlock := func(v consensus.View, parent consensus.Hash, author consensus.ValidatorID, justify consensus.QC) consensus.Block {
		b := consensus.Block{
			Kind:    consensus.BlockStandard,
			View:    v,
			Parent:  parent,
			Author:  author,
			Payload: []byte("tx"),
			Justify: justify,
		}
		b.Sig = sigFor(string(author), b.HeaderBytes())
		return b
	}

	b1 := makeBlock(1, genesisHash, testIDs[1], genesisQC)
	h1 := consensus.HashOfBlock(b1)
	qc1 := consensus.QC{View: 1, BlockHash: h1, Kind: consensus.KindNotarize, Signers: quorumBits, AggSig: []byte("agg")}
	b2 := makeBlock(2, h1, testIDs[2], qc1)
	h2 := consensus.HashOfBlock(b2)
	qc2 := consensus.QC{View: 2, BlockHash: h2, Kind: consensus.KindNotarize, Signers: quorumBits, AggSig: []byte("agg")}
	b3 := makeBlock(3, h2, testIDs[3], qc2)
	h3 := consensus.HashOfBlock(b3)

	// B3 first: buffered, parent requested.
	n.eng.HandleEvent(ctx, consensus.SyncResponse{Block: b3})
	if _, ok := n.store.GetBlock(h3); ok {
		t.Fatalf("b3 admitted before its ancestry")
	}
	if len(n.net.requests) == 0 || n.net.requests[len(n.net.requests)-1] != h2 {
		t.Fatalf("expected request for b2, got %v", n.net.requests)
	}

	// B2 next: also buffered, b1 requested.
	n.eng.HandleEvent(ctx, consensus.SyncResponse{Block: b2})
	if n.net.requests[len(n.net.requests)-1] != h1 {
		t.Fatalf("expected request for b1")
	}

	// B1 closes the gap; the whole chain drains in order.
	n.eng.HandleEvent(ctx, consensus.SyncResponse{Block: b1})
	for _, h := range []consensus.Hash{h1, h2, h3} {
		if _, ok := n.store.GetBlock(h); !ok {
			t.Fatalf("block %s not admitted after drain", h)
		}
	}
	if n.eng.State.CurrentView != 3 {
		t.Fatalf("justify QCs should have advanced the view to 3, got %d", n.eng.State.CurrentView)
	}
}

// Scenario: a leader invoked twice in one view proposes exactly once.
func TestLeaderProposesOnce(t *testing.T) {
	ctx := context.Background()
	probe := newTestNode(testIDs[0])
	leader := probe.leaderOf(1)
	n := newTestNode(leader)
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	n.eng.TryPropose(ctx)
	n.eng.TryPropose(ctx)
	if len(n.net.proposals) != 1 {
		t.Fatalf("leader proposed %d times in one view", len(n.net.proposals))
	}
}

// A proposal from anyone but the view's leader is dropped.
func TestProposalWrongLeaderRejected(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(testIDs[0])
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	leader := n.leaderOf(1)
	var wrong consensus.ValidatorID
	for _, id := range testIDs {
		if id != leader && id != n.eng.State.Self {
			wrong = id
			break
		}
	}
	genesisHash := consensus.HashOfBlock(n.eng.State.Genesis)
	b := consensus.Block{
		Kind:    consensus.BlockStandard,
		View:    1,
		Parent:  genesisHash,
		Author:  wrong,
		Payload: []byte("tx"),
		Justify: consensus.QC{View: 0, BlockHash: genesisHash, Kind: consensus.KindNotarize},
	}
	b.Sig = sigFor(string(wrong), b.HeaderBytes())

	n.eng.HandleEvent(ctx, consensus.ProposalReceived{Block: b})
	if _, ok := n.store.GetBlock(consensus.HashOfBlock(b)); ok {
		t.Fatalf("proposal from non-leader was admitted")
	}
}

// Observed equivocation is buffered as evidence and embedded in this
// node's next proposal.
func TestEvidenceEmbeddedInProposal(t *testing.T) {
	ctx := context.Background()
	probe := newTestNode(testIDs[0])
	leader := probe.leaderOf(1)
	n := newTestNode(leader)
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	b1 := n.net.proposals[0]
	h1 := consensus.HashOfBlock(b1)

	// One committee member votes for two different blocks in view 1.
	var offender consensus.ValidatorID
	for _, id := range testIDs {
		if id != leader {
			offender = id
			break
		}
	}
	n.eng.HandleEvent(ctx, consensus.VoteReceived{Vote: voteFrom(offender, consensus.KindNotarize, 1, h1)})
	n.eng.HandleEvent(ctx, consensus.VoteReceived{Vote: voteFrom(offender, consensus.KindNotarize, 1, consensus.Hash{0xbb})})

	if n.eng.PendingEvidence() != 1 {
		t.Fatalf("pending evidence = %d, want 1", n.eng.PendingEvidence())
	}

	// Reach quorum so the engine advances; if it leads the next view its
	// proposal must carry the evidence.
	n.feedVotes(ctx, consensus.KindNotarize, 1, h1, testIDs)
	for v := n.eng.State.CurrentView; n.leaderOf(v) != leader && v < 64; v = n.eng.State.CurrentView {
		// Walk views via timeouts until this node leads again.
		n.eng.OnTimerExpiry(ctx, v)
		n.feedVotes(ctx, consensus.KindTimeout, v, consensus.ZeroHash, testIDs)
	}
	last := n.net.proposals[len(n.net.proposals)-1]
	if len(last.Evidence) != 1 {
		t.Fatalf("evidence not embedded, proposals=%d evidence=%d", len(n.net.proposals), len(last.Evidence))
	}
	if last.Evidence[0].First.Signer != offender {
		t.Fatalf("wrong offender in evidence: %s", last.Evidence[0].First.Signer)
	}
}

// A Finalize QC can outrun the block it certifies. The block must still be
// admittable through sync afterwards, and the linearizer must complete the
// deferred commit on its arrival.
func TestSyncFillsFinalizedGap(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(testIDs[0])
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	genesisHash := consensus.HashOfBlock(n.eng.State.Genesis)
	author := n.leaderOf(1)
	b1 := consensus.Block{
		Kind:    consensus.BlockStandard,
		View:    1,
		Parent:  genesisHash,
		Author:  author,
		Payload: []byte("tx"),
		Justify: consensus.QC{View: 0, BlockHash: genesisHash, Kind: consensus.KindNotarize},
	}
	b1.Sig = sigFor(string(author), b1.HeaderBytes())
	h1 := consensus.HashOfBlock(b1)

	quorum := consensus.NewSignerBitset(4)
	quorum.Set(0)
	quorum.Set(1)
	quorum.Set(2)
	n.eng.HandleEvent(ctx, consensus.QCReceived{QC: consensus.QC{
		View: 1, BlockHash: h1, Kind: consensus.KindFinalize, Signers: quorum, AggSig: []byte("agg"),
	}})

	// Finalized ahead of the tree: commit deferred, block requested.
	if n.eng.State.HighestFinalized != (consensus.TipRef{View: 1, Hash: h1}) {
		t.Fatalf("highest finalized = %+v", n.eng.State.HighestFinalized)
	}
	if len(n.exec.commits) != 0 {
		t.Fatalf("committed before the block arrived")
	}
	if len(n.net.requests) == 0 || n.net.requests[len(n.net.requests)-1] != h1 {
		t.Fatalf("missing block not requested: %v", n.net.requests)
	}

	// The sync response lands at View == HighestFinalized.View and must
	// still be admitted.
	n.eng.HandleEvent(ctx, consensus.SyncResponse{Block: b1})
	if _, ok := n.store.GetBlock(h1); !ok {
		t.Fatalf("finalized block rejected on the sync path")
	}
	if len(n.exec.commits) != 1 || consensus.HashOfBlock(n.exec.commits[0]) != h1 {
		t.Fatalf("deferred commit not completed, commits=%d", len(n.exec.commits))
	}
	if n.eng.State.LastCommitted != h1 {
		t.Fatalf("last committed = %s", n.eng.State.LastCommitted)
	}
}

// A known block is served on request; an unknown one is silence.
func TestBlockRequestServed(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(testIDs[0])
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	genesisHash := consensus.HashOfBlock(n.eng.State.Genesis)

	n.eng.HandleEvent(ctx, consensus.SyncRequested{Hash: genesisHash, Peer: "peer1"})
	if len(n.net.sent) != 1 || consensus.HashOfBlock(n.net.sent[0]) != genesisHash {
		t.Fatalf("genesis not served")
	}

	n.eng.HandleEvent(ctx, consensus.SyncRequested{Hash: consensus.Hash{0xff}, Peer: "peer1"})
	if len(n.net.sent) != 1 {
		t.Fatalf("unknown block request should be silent")
	}
}
