package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommit_Deterministic(t *testing.T) {
	nonce := []byte("0123456789abcdef0123456789abcdef")

	d1 := Commit("acct-1", "mkt-1", 0, nonce)
	d2 := Commit("acct-1", "mkt-1", 0, nonce)

	assert.Equal(t, d1, d2)
	assert.False(t, d1.IsZero())
}

func TestVerify_RoundTrip(t *testing.T) {
	for _, choice := range []int{0, 1} {
		nonce, err := NewNonce()
		require.NoError(t, err)
		require.Len(t, nonce, NonceSize)

		d := Commit("acct-1", "mkt-1", choice, nonce)
		assert.True(t, Verify(d, choice, nonce, "acct-1", "mkt-1"), "choice %d", choice)
	}
}

func TestVerify_AnyFieldChangeFails(t *testing.T) {
	nonce := []byte("0123456789abcdef0123456789abcdef")
	d := Commit("acct-1", "mkt-1", 1, nonce)

	t.Run("choice", func(t *testing.T) {
		assert.False(t, Verify(d, 0, nonce, "acct-1", "mkt-1"))
	})
	t.Run("account", func(t *testing.T) {
		assert.False(t, Verify(d, 1, nonce, "acct-2", "mkt-1"))
	})
	t.Run("market", func(t *testing.T) {
		assert.False(t, Verify(d, 1, nonce, "acct-1", "mkt-2"))
	})
	t.Run("nonce bit flips", func(t *testing.T) {
		for i := 0; i < len(nonce)*8; i++ {
			flipped := bytes.Clone(nonce)
			flipped[i/8] ^= 1 << (i % 8)
			assert.False(t, Verify(d, 1, flipped, "acct-1", "mkt-1"), "bit %d", i)
		}
	})
	t.Run("account bit flip", func(t *testing.T) {
		acct := []byte("acct-1")
		acct[0] ^= 0x01
		assert.False(t, Verify(d, 1, nonce, string(acct), "mkt-1"))
	})
	t.Run("digest bit flip", func(t *testing.T) {
		bad := d
		bad[31] ^= 0x80
		assert.False(t, Verify(bad, 1, nonce, "acct-1", "mkt-1"))
	})
}

func TestCommit_FieldBoundariesDoNotCollide(t *testing.T) {
	nonce := []byte("n")
	// Moving characters between account and market must change the digest.
	a := Commit("ab", "c", 0, nonce)
	b := Commit("a", "bc", 0, nonce)
	assert.NotEqual(t, a, b)
}

func TestCommit_NegativeChoiceDistinct(t *testing.T) {
	nonce := []byte("n")
	assert.NotEqual(t, Commit("a", "m", 1, nonce), Commit("a", "m", -1, nonce))
}

func TestCommit_DigestDoesNotEmbedChoice(t *testing.T) {
	nonce := []byte("0123456789abcdef0123456789abcdef")
	d0 := Commit("acct-1", "mkt-1", 0, nonce)
	d1 := Commit("acct-1", "mkt-1", 1, nonce)

	same := 0
	for i := range d0 {
		if d0[i] == d1[i] {
			same++
		}
	}
	// Two keccak outputs agree on roughly 1/256 of bytes.
	assert.Less(t, same, 8)
}
