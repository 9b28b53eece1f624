package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// CommitmentDomain separates commitment digests from every other keccak
// digest the system produces.
const CommitmentDomain = "boxmeout.commitment.v1"

// NonceSize is the length of nonces produced by NewNonce.
const NonceSize = 32

var commitmentDomainHash = ethcrypto.Keccak256([]byte(CommitmentDomain))

// Commit binds an outcome choice and a secret nonce to an account and a
// market:
//
//	keccak256(keccak(domain) || keccak(account) || keccak(market) || uint256(choice) || keccak(nonce))
//
// Every variable-length field is hashed to its own 32-byte word, so no two
// distinct inputs share an encoding.
func Commit(accountID, marketID string, choice int, nonce []byte) domain.Digest {
	var d domain.Digest
	copy(d[:], ethcrypto.Keccak256(
		concatBytes(
			commitmentDomainHash,
			ethcrypto.Keccak256([]byte(accountID)),
			ethcrypto.Keccak256([]byte(marketID)),
			bigIntTo32Bytes(new(big.Int).SetUint64(uint64(choice))),
			ethcrypto.Keccak256(nonce),
		),
	))
	return d
}

// Verify recomputes the digest from revealed values and compares it with the
// stored one. Any difference in choice, nonce, account or market fails.
func Verify(digest domain.Digest, choice int, nonce []byte, accountID, marketID string) bool {
	got := Commit(accountID, marketID, choice, nonce)
	return subtle.ConstantTimeCompare(got[:], digest[:]) == 1
}

// NewNonce returns NonceSize random bytes suitable for a commitment.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	return n, nil
}
