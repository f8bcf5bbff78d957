package p2p

import (
	"bytes"
	"encoding/gob"
)

func init() {
	gob.Register(ProposalWire{})
	gob.Register(VoteWire{})
	gob.Register(QCWire{})
}

type ProposalWire struct {
	Block []byte // gob-encoded consensus.Block
}

type VoteWire struct {
	Vote []byte // gob-encoded consensus.Vote
}

type QCWire struct {
	QC []byte // gob-encoded consensus.QC
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
