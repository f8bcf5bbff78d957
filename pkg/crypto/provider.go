package crypto

import (
	"crypto/sha256"

	"github.com/hadv/ockham/pkg/consensus"
)

// BLSProvider implements consensus.Provider over the circl BLS scheme. It
// owns this node's keypair; all other operations are stateless-reentrant.
type BLSProvider struct {
	signer *BLSSigner
}

func NewBLSProvider(signer *BLSSigner) *BLSProvider {
	return &BLSProvider{signer: signer}
}

func (p *BLSProvider) Hash(data []byte) consensus.Hash {
	return sha256.Sum256(data)
}

func (p *BLSProvider) Sign(msg []byte) []byte { return p.signer.Sign(msg) }

func (p *BLSProvider) PublicKey() []byte { return p.signer.PubkeyBytes() }

func (p *BLSProvider) Verify(pk, msg, sig []byte) bool {
	return VerifyBytes(pk, msg, sig)
}

func (p *BLSProvider) Aggregate(sigs [][]byte) []byte {
	return Aggregate(sigs)
}

func (p *BLSProvider) AggregateVerify(pkBytes [][]byte, msg, agg []byte) bool {
	pks := make([]*BLSPubKey, 0, len(pkBytes))
	for _, b := range pkBytes {
		pk := new(BLSPubKey)
		if err := pk.UnmarshalBinary(b); err != nil {
			return false
		}
		pks = append(pks, pk)
	}
	return VerifyAggregateSameMsg(pks, msg, agg)
}

var _ consensus.Provider = (*BLSProvider)(nil)
