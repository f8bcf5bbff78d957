package consensus_test

import (
	"context"
	"testing"

	"github.com/hadv/ockham/pkg/consensus"
)

// Dummy blocks stay in the tree but never reach the executor: after a
// timed-out view the commit stream contains only Standard blocks, and the
// failed leader is penalized at commit time.
func TestLinearizerSkipsDummies(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(testIDs[0])
	if err := n.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// View 1 fails; a Timeout QC advances everyone over a dummy.
	n.eng.OnTimerExpiry(ctx, 1)
	n.feedVotes(ctx, consensus.KindTimeout, 1, consensus.ZeroHash, testIDs[:3])
	if n.eng.State.CurrentView != 2 {
		t.Fatalf("expected view 2, got %d", n.eng.State.CurrentView)
	}
	failedLeader := n.leaderOf(1)

	// Genesis may also parent this node's own view-1 proposal; pick the dummy.
	genesisHash := consensus.HashOfBlock(n.eng.State.Genesis)
	var dummyHash consensus.Hash
	for _, h := range n.store.ChildrenOf(genesisHash) {
		if b, ok := n.store.GetBlock(h); ok && b.Kind == consensus.BlockDummy {
			dummyHash = h
		}
	}
	if dummyHash.IsZero() {
		t.Fatalf("no dummy child of genesis")
	}
	timeoutQC, ok := n.store.QCFor(1, consensus.KindTimeout)
	if !ok {
		t.Fatalf("timeout QC not persisted")
	}

	// View 2 produces a Standard block justified by the Timeout QC.
	author := n.leaderOf(2)
	b2 := consensus.Block{
		Kind:    consensus.BlockStandard,
		View:    2,
		Parent:  dummyHash,
		Author:  author,
		Payload: []byte("tx"),
		Justify: timeoutQC,
	}
	b2.Sig = sigFor(string(author), b2.HeaderBytes())
	h2 := consensus.HashOfBlock(b2)

	if author == n.eng.State.Self {
		// The engine already proposed its own view-2 block on advance;
		// adopt that one instead.
		var found bool
		for _, p := range n.net.proposals {
			if p.View == 2 {
				b2, h2, found = p, consensus.HashOfBlock(p), true
				break
			}
		}
		if !found {
			t.Fatalf("leader engine did not propose in view 2")
		}
	} else {
		n.eng.HandleEvent(ctx, consensus.ProposalReceived{Block: b2})
	}

	quorum := consensus.NewSignerBitset(4)
	quorum.Set(0)
	quorum.Set(1)
	quorum.Set(2)
	n.eng.HandleEvent(ctx, consensus.QCReceived{QC: consensus.QC{
		View: 2, BlockHash: h2, Kind: consensus.KindNotarize, Signers: quorum, AggSig: []byte("agg"),
	}})
	n.eng.HandleEvent(ctx, consensus.QCReceived{QC: consensus.QC{
		View: 2, BlockHash: h2, Kind: consensus.KindFinalize, Signers: quorum, AggSig: []byte("agg"),
	}})

	if len(n.exec.commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(n.exec.commits))
	}
	got := n.exec.commits[0]
	if got.Kind == consensus.BlockDummy {
		t.Fatalf("dummy block committed")
	}
	if consensus.HashOfBlock(got) != h2 {
		t.Fatalf("wrong block committed")
	}

	// Commit-time slashing charged the failed leader of view 1.
	if n.eng.State.InactivityScores[failedLeader] != 1 {
		t.Fatalf("failed leader score = %d, want 1", n.eng.State.InactivityScores[failedLeader])
	}
	if n.eng.State.Stakes[failedLeader] != 10000-consensus.LivenessPenalty {
		t.Fatalf("failed leader stake = %d", n.eng.State.Stakes[failedLeader])
	}

	// Finalized prefix: finalized never passes notarized.
	if n.eng.State.HighestFinalized.View > n.eng.State.HighestNotarized.View {
		t.Fatalf("finalized view %d ahead of notarized %d",
			n.eng.State.HighestFinalized.View, n.eng.State.HighestNotarized.View)
	}
}
