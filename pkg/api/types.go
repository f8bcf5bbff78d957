package api

import "github.com/hadv/ockham/pkg/consensus"

type StatusResponse struct {
	CurrentView   uint64 `json:"current_view"`
	NotarizedView uint64 `json:"notarized_view"`
	NotarizedHash string `json:"notarized_hash"`
	FinalizedView uint64 `json:"finalized_view"`
	FinalizedHash string `json:"finalized_hash"`
	CommitteeSize int    `json:"committee_size"`
}

type ValidatorInfo struct {
	ID              string `json:"id"`
	Address         string `json:"address"`
	Stake           uint64 `json:"stake"`
	InactivityScore uint64 `json:"inactivity_score"`
}

type BlockInfo struct {
	Hash     string `json:"hash"`
	View     uint64 `json:"view"`
	Parent   string `json:"parent"`
	Author   string `json:"author,omitempty"`
	Dummy    bool   `json:"dummy"`
	TxBytes  int    `json:"tx_bytes"`
	Justify  string `json:"justify"`
	Evidence int    `json:"evidence"`
}

func blockInfo(b consensus.Block) BlockInfo {
	return BlockInfo{
		Hash:     consensus.HashOfBlock(b).String(),
		View:     uint64(b.View),
		Parent:   b.Parent.String(),
		Author:   string(b.Author),
		Dummy:    b.Kind == consensus.BlockDummy,
		TxBytes:  len(b.Payload),
		Justify:  b.Justify.Kind.String(),
		Evidence: len(b.Evidence),
	}
}
