package crypto

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// AddressFromPubKey derives a validator's operator address from its
// serialized BLS public key: last 20 bytes of keccak256(pubkey).
func AddressFromPubKey(pub []byte) common.Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	sum := h.Sum(nil)
	var addr common.Address
	copy(addr[:], sum[12:])
	return addr
}
