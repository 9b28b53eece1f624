package crypto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// Well-known test keys (hardhat accounts #0 and #1).
const (
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	otherKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func sampleReport() domain.SettlementReport {
	win := 0
	return domain.SettlementReport{
		MarketID:       "mkt-1",
		Status:         domain.MarketStatusResolved,
		Kind:           domain.SettlementPayout,
		WinningOutcome: &win,
		Source:         "oracle",
		TotalStake:     150,
		TotalPaid:      150,
		CompletedAt:    time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Lines: []domain.SettlementLine{
			{PredictionID: "p1", AccountID: "a1", Stake: 100, Choice: &win, State: domain.PredictionSettled, Outcome: domain.OutcomeWon, Payout: 150},
			{PredictionID: "p2", AccountID: "a2", Stake: 50, State: domain.PredictionSettled, Outcome: domain.OutcomeLost, Payout: 0},
		},
	}
}

func TestReportSigner_SignAndVerify(t *testing.T) {
	signer, err := NewReportSigner("0x"+testKeyHex, 1)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", signer.Address().Hex())

	report := sampleReport()
	require.NoError(t, signer.Sign(&report))
	assert.Equal(t, signer.Address().Hex(), report.Signer)

	v := NewReportVerifier(1, signer.Address())
	assert.True(t, v.Verify(report))

	tamper := func(edit func(r *domain.SettlementReport)) domain.SettlementReport {
		bad := report
		bad.Lines = append([]domain.SettlementLine(nil), report.Lines...)
		edit(&bad)
		return bad
	}

	t.Run("tampered fields", func(t *testing.T) {
		one := 1
		cases := map[string]func(r *domain.SettlementReport){
			"payout":       func(r *domain.SettlementReport) { r.Lines[1].Payout = 1 },
			"source":       func(r *domain.SettlementReport) { r.Source = "forged-oracle" },
			"status":       func(r *domain.SettlementReport) { r.Status = domain.MarketStatusVoid },
			"completed_at": func(r *domain.SettlementReport) { r.CompletedAt = r.CompletedAt.Add(time.Hour) },
			"line state":   func(r *domain.SettlementReport) { r.Lines[1].State = domain.PredictionVoid },
			"line choice":  func(r *domain.SettlementReport) { r.Lines[1].Choice = &one },
		}
		for name, edit := range cases {
			assert.False(t, v.Verify(tamper(edit)), name)
		}
	})
	t.Run("re-signed by another key", func(t *testing.T) {
		other, err := NewReportSigner(otherKeyHex, 1)
		require.NoError(t, err)
		assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", other.Address().Hex())

		forged := tamper(func(r *domain.SettlementReport) { r.Lines[0].Payout = 1_000_000 })
		require.NoError(t, other.Sign(&forged))
		assert.False(t, v.Verify(forged))

		forged.Signer = signer.Address().Hex()
		assert.False(t, v.Verify(forged))
	})
	t.Run("other chain", func(t *testing.T) {
		assert.False(t, NewReportVerifier(137, signer.Address()).Verify(report))
	})
	t.Run("no operator configured", func(t *testing.T) {
		assert.False(t, NewReportVerifier(1, common.Address{}).Verify(report))
	})
	t.Run("unsigned", func(t *testing.T) {
		assert.False(t, v.Verify(sampleReport()))
	})
}

func TestNewReportSigner_InvalidKey(t *testing.T) {
	_, err := NewReportSigner("zz", 1)
	assert.Error(t, err)
}

func TestSealKey_RoundTrip(t *testing.T) {
	sealed, err := SealKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := OpenKey(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = OpenKey(sealed, "wrong")
	assert.Error(t, err)
}

func TestResolveSigningKey(t *testing.T) {
	t.Run("none configured", func(t *testing.T) {
		k, err := ResolveSigningKey(KeyConfig{})
		require.NoError(t, err)
		assert.Empty(t, k)
	})

	t.Run("raw key", func(t *testing.T) {
		k, err := ResolveSigningKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
		require.NoError(t, err)
		assert.Equal(t, testKeyHex, k)
	})

	t.Run("sealed file", func(t *testing.T) {
		sealed, err := SealKey(testKeyHex, "pw")
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "key.json")
		require.NoError(t, os.WriteFile(path, sealed, 0o600))

		k, err := ResolveSigningKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
		require.NoError(t, err)
		assert.Equal(t, testKeyHex, k)
	})
}
