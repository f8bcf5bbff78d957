package consensus

// Event is one item on the engine's serialized queue. Exactly one event is
// handled per selection step, which keeps timer firings atomic with respect
// to message handling.
type Event interface{ isEvent() }

// SigVerified marks events whose signatures were already checked by the
// verifier pool; the engine verifies inline when it is false.
type ProposalReceived struct {
	Block       Block
	SigVerified bool
}

type VoteReceived struct {
	Vote        Vote
	SigVerified bool
}

type QCReceived struct {
	QC          QC
	SigVerified bool
}

type SyncRequested struct {
	Hash Hash
	Peer PeerID
}

type SyncResponse struct {
	Block Block
}

// requestRetry re-arms a pending block request after its backoff elapses.
type requestRetry struct {
	Hash    Hash
	Attempt int
}

func (ProposalReceived) isEvent() {}
func (VoteReceived) isEvent()     {}
func (QCReceived) isEvent()       {}
func (SyncRequested) isEvent()    {}
func (SyncResponse) isEvent()     {}
func (requestRetry) isEvent()     {}
