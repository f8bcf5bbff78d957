package consensus

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hadv/ockham/pkg/util"
)

// Config carries the protocol knobs the engine needs. Delta is the assumed
// message-delivery bound; the view timer is 3·Delta.
type Config struct {
	Delta              time.Duration
	BlockSizeCap       int
	OrphanCap          int
	OrphanPerParentCap int
	OrphanDepthCap     int
	RequestRetryBudget int
	FutureViewWindow   View
}

func DefaultConfig() Config {
	return Config{
		Delta:              2 * time.Second,
		BlockSizeCap:       1 << 20,
		OrphanCap:          1024,
		OrphanPerParentCap: 64,
		OrphanDepthCap:     64,
		RequestRetryBudget: 5,
		FutureViewWindow:   64,
	}
}

// Engine is the Simplex state machine. It owns State exclusively: all
// mutation happens on the serialized event loop, one event per selection
// step, so timer firings interleave atomically with message handling.
type Engine struct {
	State   *State
	Tracker *VoteTracker
	Store   BlockStore
	WAL     WAL
	Net     Network
	Exec    Executor
	Crypto  Provider
	Lin     *Linearizer
	Ledger  *Ledger
	Clock   util.Clock
	Cfg     Config

	Logger *zap.SugaredLogger

	events chan Event
	timer  viewTimer

	tip        Hash // head of the notarized chain (standard or dummy)
	enteringQC QC   // the QC that carried us into the current view

	proposedIn  map[View]bool
	votedKind   map[voteKey]bool
	pendingReqs map[Hash]int // hash -> attempts made

	orphans         *OrphanPool
	pendingEvidence []Equivocation
}

func NewEngine(state *State, store BlockStore, net Network, exec Executor, crypto Provider, clock util.Clock, cfg Config, log *zap.SugaredLogger) *Engine {
	e := &Engine{
		State:       state,
		Tracker:     NewVoteTracker(crypto, state.Committee),
		Store:       store,
		Net:         net,
		Exec:        exec,
		Crypto:      crypto,
		Clock:       clock,
		Cfg:         cfg,
		Logger:      log,
		events:      make(chan Event, 1024),
		proposedIn:  make(map[View]bool),
		votedKind:   make(map[voteKey]bool),
		pendingReqs: make(map[Hash]int),
		orphans:     NewOrphanPool(cfg.OrphanCap, cfg.OrphanPerParentCap),
	}
	e.Ledger = NewLedger(state, store, log)
	e.Lin = NewLinearizer(state, store, e.Ledger, exec, log)
	e.tip = state.HighestNotarized.Hash
	e.enteringQC = e.genesisQC()
	if net != nil {
		net.SetHandlers(Handlers{
			OnProposal:     func(b Block) { e.Submit(ProposalReceived{Block: b}) },
			OnVote:         func(v Vote) { e.Submit(VoteReceived{Vote: v}) },
			OnQC:           func(qc QC) { e.Submit(QCReceived{QC: qc}) },
			OnSyncRequest:  func(h Hash, p PeerID) { e.Submit(SyncRequested{Hash: h, Peer: p}) },
			OnSyncResponse: func(b Block) { e.Submit(SyncResponse{Block: b}) },
		})
	}
	return e
}

func (e *Engine) genesisQC() QC {
	return QC{View: 0, BlockHash: HashOfBlock(e.State.Genesis), Kind: KindNotarize}
}

// Submit enqueues an event for the serialized loop. Events over capacity
// are dropped; gossip redelivers.
func (e *Engine) Submit(ev Event) {
	select {
	case e.events <- ev:
	default:
		if e.Logger != nil {
			e.Logger.Warnw("event_queue_full", "dropped", fmt.Sprintf("%T", ev))
		}
	}
}

// Start persists genesis, restores any snapshot, and enters the current view.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Store.PutBlock(e.State.Genesis); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	if snap, ok := e.Store.LoadState(); ok {
		e.State.Restore(snap)
		e.Tracker.SetCommittee(e.State.Committee)
		e.tip = e.State.HighestNotarized.Hash
	}
	e.enterView(ctx, e.State.CurrentView)
	return nil
}

// Run consumes the event queue. A single selection step handles at most one
// event before re-selecting, with the view timer as a peer source.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.timerC():
			e.OnTimerExpiry(ctx, e.State.CurrentView)
		case ev := <-e.events:
			e.HandleEvent(ctx, ev)
		}
	}
}

// timer state: armed per view, replaced on advance. A nil channel blocks
// forever, which is what a fired timer should do until the next view.
type viewTimer struct {
	view View
	ch   <-chan time.Time
}

var noTimer = make(chan time.Time)

func (e *Engine) timerC() <-chan time.Time {
	if e.timer.ch == nil || e.timer.view != e.State.CurrentView {
		return noTimer
	}
	return e.timer.ch
}

// HandleEvent dispatches one event. Exported so tests can drive the state
// machine deterministically without the loop.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) {
	switch m := ev.(type) {
	case ProposalReceived:
		e.OnProposal(ctx, m.Block, m.SigVerified)
	case VoteReceived:
		e.OnVote(ctx, m.Vote, m.SigVerified)
	case QCReceived:
		e.OnQC(ctx, m.QC, m.SigVerified)
	case SyncRequested:
		e.OnBlockRequest(ctx, m.Hash, m.Peer)
	case SyncResponse:
		e.OnBlockResponse(ctx, m.Block)
	case requestRetry:
		e.onRequestRetry(ctx, m)
	}
}

// ---- view progression ----

func (e *Engine) enterView(ctx context.Context, v View) {
	if v > e.State.CurrentView {
		e.State.CurrentView = v
	}
	deadline := 3 * e.Cfg.Delta
	e.State.TimerDeadline = e.Clock.Now().Add(deadline)
	e.timer = viewTimer{view: e.State.CurrentView, ch: e.Clock.After(deadline)}

	leader := e.leaderOf(e.State.CurrentView)
	if e.Logger != nil {
		e.Logger.Infow("enter_view", "view", e.State.CurrentView, "leader", leader,
			"is_leader", leader == e.State.Self)
	}
	if leader == e.State.Self {
		e.TryPropose(ctx)
	}
}

func (e *Engine) leaderOf(v View) ValidatorID {
	seed := LeaderSeed(e.Store, HashOfBlock(e.State.Genesis), v)
	return LeaderOf(e.State.Committee, v, e.State.Stakes, seed)
}

// TryPropose builds and broadcasts this node's proposal for the current
// view. Calling it twice in one view is a no-op: a leader never
// self-equivocates.
func (e *Engine) TryPropose(ctx context.Context) {
	v := e.State.CurrentView
	if e.proposedIn[v] {
		return
	}
	if e.leaderOf(v) != e.State.Self {
		return
	}
	parent, ok := e.Store.GetBlock(e.tip)
	if !ok {
		if e.Logger != nil {
			e.Logger.Errorw("propose_missing_tip", "tip", e.tip.String())
		}
		return
	}

	payload := e.Exec.PreparePayload(parent, v)
	if len(payload) > e.Cfg.BlockSizeCap {
		payload = payload[:e.Cfg.BlockSizeCap]
	}
	evidence := e.pendingEvidence
	e.pendingEvidence = nil

	b := Block{
		Kind:     BlockStandard,
		View:     v,
		Parent:   e.tip,
		Author:   e.State.Self,
		Payload:  payload,
		Evidence: evidence,
		Justify:  e.enteringQC,
	}
	b.Sig = e.Crypto.Sign(b.HeaderBytes())
	e.proposedIn[v] = true

	if err := e.Store.PutBlock(b); err != nil {
		if e.Logger != nil {
			e.Logger.Errorw("propose_store_failed", "err", err)
		}
		return
	}
	if e.WAL != nil {
		e.WAL.Append(fmt.Sprintf("propose view=%d hash=%s", v, HashOfBlock(b)))
	}
	if e.Net != nil {
		_ = e.Net.BroadcastProposal(ctx, b)
	}
	if e.Logger != nil {
		e.Logger.Infow("propose_broadcast", "view", v, "hash", HashOfBlock(b).String(),
			"justify", b.Justify.Kind.String(), "evidence", len(evidence))
	}
	// The leader observes its own proposal like any other.
	e.maybeVoteNotarize(ctx, b)
}

// ---- proposal handling ----

type admitMode uint8

const (
	admitGossip admitMode = iota
	admitSync
)

// OnProposal validates and admits a gossiped proposal, voting Notarize when
// it lands in the current view and the view has not timed out.
func (e *Engine) OnProposal(ctx context.Context, b Block, sigVerified bool) {
	if !e.validateProposal(b, sigVerified, admitGossip) {
		return
	}
	e.admit(ctx, b, admitGossip)
}

func (e *Engine) validateProposal(b Block, sigVerified bool, mode admitMode) bool {
	if b.Kind == BlockDummy {
		// Dummies are never proposed; they arrive only through sync.
		if mode != admitSync {
			return false
		}
		return e.verifyQC(b.Justify) && b.Justify.Kind == KindTimeout && b.Justify.View == b.View
	}
	if b.View == 0 {
		return false
	}
	if mode == admitGossip && b.View < e.State.CurrentView {
		return false // stale
	}
	if mode == admitGossip && b.View <= e.State.HighestFinalized.View {
		// Sync stays exempt: it back-fills already-finalized ancestors
		// the linearizer is waiting on.
		return false
	}
	if b.View > e.State.CurrentView+e.Cfg.FutureViewWindow {
		if e.Logger != nil {
			e.Logger.Debugw("proposal_beyond_window", "view", b.View, "current", e.State.CurrentView)
		}
		return false
	}
	val, ok := e.State.Committee.Member(b.Author)
	if !ok {
		return false
	}
	if mode == admitGossip && b.Author != e.leaderOf(b.View) {
		if e.Logger != nil {
			e.Logger.Warnw("proposal_wrong_leader", "view", b.View, "author", b.Author)
		}
		return false
	}
	if !sigVerified && !e.Crypto.Verify(val.PubKey, b.HeaderBytes(), b.Sig) {
		return false
	}
	if !e.verifyQC(b.Justify) {
		return false
	}
	return true
}

func (e *Engine) admit(ctx context.Context, b Block, mode admitMode) bool {
	h := HashOfBlock(b)
	if _, known := e.Store.GetBlock(h); known {
		return true
	}
	if _, haveParent := e.Store.GetBlock(b.Parent); !haveParent {
		if e.orphans.Add(b) {
			if e.Logger != nil {
				e.Logger.Debugw("orphan_buffered", "view", b.View, "parent", b.Parent.String())
			}
		}
		e.requestBlock(ctx, b.Parent)
		return false
	}

	// The justify QC is an observation in its own right: it can advance
	// the view before the vote decision below.
	if b.Justify.View > 0 {
		e.OnQC(ctx, b.Justify, true)
	}

	if err := e.Store.PutBlock(b); err != nil {
		if e.Logger != nil {
			e.Logger.Errorw("admit_store_failed", "view", b.View, "err", err)
		}
		return false
	}
	if mode == admitGossip || b.View == e.State.CurrentView {
		e.maybeVoteNotarize(ctx, b)
	}
	return true
}

func (e *Engine) maybeVoteNotarize(ctx context.Context, b Block) {
	if b.Kind != BlockStandard {
		return
	}
	v := b.View
	if v != e.State.CurrentView || e.State.HasTimedOut[v] {
		return
	}
	e.castVote(ctx, KindNotarize, v, HashOfBlock(b))
}

// ---- votes and QCs ----

// castVote signs and broadcasts one vote, feeding it through the local
// tracker as well. Per (view, kind) it fires at most once; a Finalize vote
// is never cast after Timeout for the same view, nor the reverse.
func (e *Engine) castVote(ctx context.Context, kind VoteKind, v View, target Hash) {
	key := voteKey{view: v, kind: kind}
	if e.votedKind[key] {
		return
	}
	switch kind {
	case KindFinalize:
		if e.State.HasTimedOut[v] || e.votedKind[voteKey{view: v, kind: KindTimeout}] {
			return
		}
	case KindTimeout:
		if e.votedKind[voteKey{view: v, kind: KindFinalize}] {
			return
		}
	}
	e.votedKind[key] = true

	vote := Vote{
		View:      v,
		BlockHash: target,
		Kind:      kind,
		Signer:    e.State.Self,
		Sig:       e.Crypto.Sign(VoteDigest(v, kind, target)),
	}
	if e.Net != nil {
		_ = e.Net.BroadcastVote(ctx, vote)
	}
	if e.Logger != nil {
		e.Logger.Debugw("vote_cast", "view", v, "kind", kind.String(), "target", target.String())
	}
	e.ingestVote(ctx, vote)
}

// OnVote verifies and ingests one vote from the network.
func (e *Engine) OnVote(ctx context.Context, v Vote, sigVerified bool) {
	if v.View <= e.State.HighestFinalized.View {
		return
	}
	if v.Kind == KindTimeout && !v.BlockHash.IsZero() {
		return
	}
	val, ok := e.State.Committee.Member(v.Signer)
	if !ok {
		return
	}
	if !sigVerified && !e.Crypto.Verify(val.PubKey, VoteDigest(v.View, v.Kind, v.BlockHash), v.Sig) {
		return
	}
	e.ingestVote(ctx, v)
}

func (e *Engine) ingestVote(ctx context.Context, v Vote) {
	ev := e.Tracker.Ingest(v)
	switch ev.Outcome {
	case VoteEquivocation:
		e.pendingEvidence = append(e.pendingEvidence, *ev.Evidence)
		if e.Logger != nil {
			e.Logger.Warnw("equivocation_detected", "signer", v.Signer, "view", v.View,
				"kind", v.Kind.String())
		}
	case VoteQuorumReached:
		qc := *ev.QC
		if e.Net != nil {
			_ = e.Net.BroadcastQC(ctx, qc)
		}
		e.OnQC(ctx, qc, true)
	}
}

// verifyQC checks threshold and aggregate signature against the active
// committee. The genesis QC is valid by fiat.
func (e *Engine) verifyQC(qc QC) bool {
	if qc.View == 0 && qc.BlockHash == HashOfBlock(e.State.Genesis) {
		return true
	}
	if qc.Signers.Count() < e.State.Committee.Quorum() {
		return false
	}
	pks := e.State.Committee.PubKeysFor(qc.Signers)
	return e.Crypto.AggregateVerify(pks, VoteDigest(qc.View, qc.Kind, qc.BlockHash), qc.AggSig)
}

// conflictsStored reports whether a stored QC at qc.View contradicts qc:
// either a second Notarize target or a Notarize/Timeout pair for one view.
// Quorum intersection makes this impossible among honest majorities, so an
// observed conflict is evidence, never applied.
func (e *Engine) conflictsStored(qc QC) bool {
	switch qc.Kind {
	case KindNotarize:
		if prev, ok := e.Store.QCFor(qc.View, KindNotarize); ok && prev.BlockHash != qc.BlockHash {
			return true
		}
		if _, ok := e.Store.QCFor(qc.View, KindTimeout); ok {
			return true
		}
	case KindTimeout:
		if _, ok := e.Store.QCFor(qc.View, KindNotarize); ok {
			return true
		}
	}
	return false
}

// OnQC applies a quorum certificate: Notarize and Timeout QCs advance the
// view (the latter through a dummy block, with no Finalize vote); Finalize
// QCs extend the finalized chain and drive the linearizer.
func (e *Engine) OnQC(ctx context.Context, qc QC, sigVerified bool) {
	if qc.View == 0 {
		return
	}
	if qc.Kind == KindTimeout && !qc.BlockHash.IsZero() {
		return
	}
	if !sigVerified && !e.verifyQC(qc) {
		return
	}
	if qc.Signers.Count() < e.State.Committee.Quorum() {
		return
	}
	if e.conflictsStored(qc) {
		if e.Logger != nil {
			e.Logger.Errorw("conflicting_qc_evidence", "view", qc.View, "kind", qc.Kind.String(),
				"hash", qc.BlockHash.String())
		}
		return
	}

	switch qc.Kind {
	case KindNotarize:
		e.onNotarizeQC(ctx, qc)
	case KindFinalize:
		e.onFinalizeQC(ctx, qc)
	case KindTimeout:
		e.onTimeoutQC(ctx, qc)
	}
}

func (e *Engine) onNotarizeQC(ctx context.Context, qc QC) {
	if _, ok := e.Store.QCFor(qc.View, KindNotarize); ok {
		return
	}
	if err := e.Store.PutQC(qc); err != nil {
		e.storageFault(err)
		return
	}
	if qc.View > e.State.HighestNotarized.View {
		e.State.HighestNotarized = TipRef{View: qc.View, Hash: qc.BlockHash}
	}
	if _, known := e.Store.GetBlock(qc.BlockHash); !known {
		e.requestBlock(ctx, qc.BlockHash)
	}
	if e.State.CurrentView > qc.View {
		return
	}

	// Advance. The Finalize vote goes out only if this view never timed
	// out locally; either way the view is closed for further voting.
	if !e.State.HasTimedOut[qc.View] {
		e.castVote(ctx, KindFinalize, qc.View, qc.BlockHash)
	}
	e.State.HasTimedOut[qc.View] = true
	e.tip = qc.BlockHash
	e.enteringQC = qc
	e.Tracker.PruneBelow(qc.View)
	e.enterView(ctx, qc.View+1)
}

func (e *Engine) onTimeoutQC(ctx context.Context, qc QC) {
	if _, ok := e.Store.QCFor(qc.View, KindTimeout); ok {
		return
	}
	if err := e.Store.PutQC(qc); err != nil {
		e.storageFault(err)
		return
	}
	if e.State.CurrentView > qc.View {
		return
	}

	dummy := DummyBlock(qc.View, e.tip, qc)
	if err := e.Store.PutBlock(dummy); err != nil {
		e.storageFault(err)
		return
	}
	dh := HashOfBlock(dummy)
	if qc.View > e.State.HighestNotarized.View {
		e.State.HighestNotarized = TipRef{View: qc.View, Hash: dh}
	}
	e.State.HasTimedOut[qc.View] = true
	e.tip = dh
	e.enteringQC = qc
	e.Tracker.PruneBelow(qc.View)
	e.enterView(ctx, qc.View+1)
}

func (e *Engine) onFinalizeQC(ctx context.Context, qc QC) {
	if _, ok := e.Store.QCFor(qc.View, KindFinalize); ok {
		return
	}
	if err := e.Store.PutQC(qc); err != nil {
		e.storageFault(err)
		return
	}
	if qc.View <= e.State.HighestFinalized.View {
		return
	}
	e.State.HighestFinalized = TipRef{View: qc.View, Hash: qc.BlockHash}
	if qc.View > e.State.HighestNotarized.View {
		e.State.HighestNotarized = TipRef{View: qc.View, Hash: qc.BlockHash}
	}
	if _, known := e.Store.GetBlock(qc.BlockHash); !known {
		// Finalized ahead of our tree; sync fills the gap and the
		// linearizer retries on arrival.
		e.requestBlock(ctx, qc.BlockHash)
		return
	}

	if err := e.Lin.OnFinalized(e.State.HighestFinalized); err != nil {
		// Commit pipeline halts; the machine keeps voting so the network
		// does not lose this node's liveness contribution.
		e.storageFault(err)
		return
	}
	e.Tracker.SetCommittee(e.State.Committee)
	for v := range e.State.HasTimedOut {
		if v < e.State.HighestFinalized.View {
			delete(e.State.HasTimedOut, v)
		}
	}
	if err := e.Store.SaveState(e.State.Snapshot()); err != nil {
		e.storageFault(err)
	}
	if e.WAL != nil {
		e.WAL.Append(fmt.Sprintf("finalize view=%d hash=%s", qc.View, qc.BlockHash))
	}
}

func (e *Engine) storageFault(err error) {
	if e.Logger != nil {
		e.Logger.Errorw("storage_fault", "err", err)
	}
}

// ---- timers ----

// OnTimerExpiry handles the view timer. Stale firings for past views are
// ignored; the first valid firing marks the view timed out and casts the
// Timeout vote against the dummy target.
func (e *Engine) OnTimerExpiry(ctx context.Context, v View) {
	if v != e.State.CurrentView || e.State.HasTimedOut[v] {
		return
	}
	e.State.HasTimedOut[v] = true
	e.timer = viewTimer{}
	if e.Logger != nil {
		e.Logger.Infow("view_timeout", "view", v)
	}
	e.castVote(ctx, KindTimeout, v, ZeroHash)
}

// ---- sync ----

// OnBlockRequest serves a block if known; silent otherwise.
func (e *Engine) OnBlockRequest(ctx context.Context, h Hash, peer PeerID) {
	if b, ok := e.Store.GetBlock(h); ok && e.Net != nil {
		_ = e.Net.SendBlock(ctx, peer, b)
	}
}

// OnBlockResponse admits a synced block and drains every orphan that was
// waiting on it, iteratively and depth-bounded.
func (e *Engine) OnBlockResponse(ctx context.Context, b Block) {
	h := HashOfBlock(b)
	delete(e.pendingReqs, h)

	if !e.validateProposal(b, false, admitSync) {
		return
	}
	if !e.admit(ctx, b, admitSync) {
		return
	}
	e.drainOrphans(ctx, h)

	// A synced block may have been the gap on an already-finalized path.
	if e.State.HighestFinalized.Hash != e.State.LastCommitted {
		if err := e.Lin.OnFinalized(e.State.HighestFinalized); err == nil {
			e.Tracker.SetCommittee(e.State.Committee)
		}
	}
}

func (e *Engine) drainOrphans(ctx context.Context, root Hash) {
	work := []Hash{root}
	depth := 0
	for len(work) > 0 {
		if depth >= e.Cfg.OrphanDepthCap {
			if e.Logger != nil {
				e.Logger.Warnw("orphan_drain_capped", "depth", depth, "remaining", len(work))
			}
			return
		}
		depth++
		next := work[0]
		work = work[1:]
		for _, child := range e.orphans.Take(next) {
			if e.admit(ctx, child, admitSync) {
				work = append(work, HashOfBlock(child))
			}
		}
	}
}

func (e *Engine) requestBlock(ctx context.Context, h Hash) {
	if _, inflight := e.pendingReqs[h]; inflight {
		return
	}
	e.pendingReqs[h] = 1
	if e.Net != nil {
		_ = e.Net.RequestBlock(ctx, h)
	}
	e.scheduleRetry(ctx, h, 1)
}

func (e *Engine) scheduleRetry(ctx context.Context, h Hash, attempt int) {
	backoff := e.Cfg.Delta << uint(attempt)
	if max := 8 * e.Cfg.Delta; backoff > max {
		backoff = max
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-e.Clock.After(backoff):
			e.Submit(requestRetry{Hash: h, Attempt: attempt})
		}
	}()
}

func (e *Engine) onRequestRetry(ctx context.Context, r requestRetry) {
	attempts, pending := e.pendingReqs[r.Hash]
	if !pending || attempts != r.Attempt {
		return
	}
	if attempts >= e.Cfg.RequestRetryBudget {
		// Give up; the orphans stay buffered for later gossip.
		delete(e.pendingReqs, r.Hash)
		if e.Logger != nil {
			e.Logger.Warnw("block_request_abandoned", "hash", r.Hash.String(), "attempts", attempts)
		}
		return
	}
	e.pendingReqs[r.Hash] = attempts + 1
	if e.Net != nil {
		_ = e.Net.RequestBlock(ctx, r.Hash)
	}
	e.scheduleRetry(ctx, r.Hash, attempts+1)
}

// PendingEvidence reports how many equivocation evidence entries are
// buffered for this node's next proposal.
func (e *Engine) PendingEvidence() int { return len(e.pendingEvidence) }
