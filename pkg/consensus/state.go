package consensus

import "time"

// State is the consensus snapshot owned exclusively by the engine. All
// mutation goes through the serialized event handler.
type State struct {
	Self ValidatorID

	CurrentView      View
	HighestNotarized TipRef
	HighestFinalized TipRef
	LastCommitted    Hash // walk position of the linearizer; genesis hash initially

	TimerDeadline time.Time
	HasTimedOut   map[View]bool

	Stakes           map[ValidatorID]uint64
	InactivityScores map[ValidatorID]uint64
	Committee        Committee

	Genesis Block
}

func NewState(self ValidatorID, committee Committee, stakes map[ValidatorID]uint64) *State {
	gen := GenesisBlock()
	genHash := HashOfBlock(gen)
	st := &State{
		Self:             self,
		CurrentView:      1,
		HighestNotarized: TipRef{View: 0, Hash: genHash},
		HighestFinalized: TipRef{View: 0, Hash: genHash},
		LastCommitted:    genHash,
		HasTimedOut:      make(map[View]bool),
		Stakes:           make(map[ValidatorID]uint64, committee.Len()),
		InactivityScores: make(map[ValidatorID]uint64, committee.Len()),
		Committee:        committee,
		Genesis:          gen,
	}
	for _, v := range committee.Members() {
		if s, ok := stakes[v.ID]; ok {
			st.Stakes[v.ID] = s
		} else {
			st.Stakes[v.ID] = v.Stake
		}
		st.InactivityScores[v.ID] = 0
	}
	return st
}

// Snapshot is the persisted form of State (§ persisted state layout).
type Snapshot struct {
	CurrentView      View
	HighestNotarized TipRef
	HighestFinalized TipRef
	LastCommitted    Hash
	Stakes           map[ValidatorID]uint64
	InactivityScores map[ValidatorID]uint64
	Validators       []Validator
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		CurrentView:      s.CurrentView,
		HighestNotarized: s.HighestNotarized,
		HighestFinalized: s.HighestFinalized,
		LastCommitted:    s.LastCommitted,
		Stakes:           make(map[ValidatorID]uint64, len(s.Stakes)),
		InactivityScores: make(map[ValidatorID]uint64, len(s.InactivityScores)),
		Validators:       s.Committee.Members(),
	}
	for k, v := range s.Stakes {
		snap.Stakes[k] = v
	}
	for k, v := range s.InactivityScores {
		snap.InactivityScores[k] = v
	}
	return snap
}

func (s *State) Restore(snap Snapshot) {
	s.CurrentView = snap.CurrentView
	s.HighestNotarized = snap.HighestNotarized
	s.HighestFinalized = snap.HighestFinalized
	s.LastCommitted = snap.LastCommitted
	s.Stakes = snap.Stakes
	s.InactivityScores = snap.InactivityScores
	// gob drops empty maps; a restored snapshot may carry nil here.
	if s.Stakes == nil {
		s.Stakes = make(map[ValidatorID]uint64)
	}
	if s.InactivityScores == nil {
		s.InactivityScores = make(map[ValidatorID]uint64)
	}
	s.Committee = NewCommittee(snap.Validators)
}
