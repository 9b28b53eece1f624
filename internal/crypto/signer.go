package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	reportTypeHash = ethcrypto.Keccak256(
		[]byte("SettlementReport(bytes32 marketId,bytes32 status,bytes32 kind,uint256 outcome,bytes32 source," +
			"uint256 totalStake,uint256 totalPaid,uint256 completedAt,bytes32 linesHash)"),
	)

	lineTypeHash = ethcrypto.Keccak256(
		[]byte("SettlementLine(bytes32 predictionId,bytes32 accountId,uint256 stake,uint256 choice,bytes32 state,bytes32 outcome,uint256 payout)"),
	)
)

const (
	reportDomainName    = "BoxMeOut Settlement"
	reportDomainVersion = "1"
	// noOutcome is encoded for a missing outcome or choice.
	noOutcome = 255
)

// ReportSigner signs settlement reports with the operator key so archived
// reports can be checked for tampering.
type ReportSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte // cached EIP-712 domain separator hash
}

// NewReportSigner creates a ReportSigner from a hex-encoded secp256k1 private
// key and the chain ID used in the EIP-712 domain.
func NewReportSigner(privateKeyHex string, chainID int) (*ReportSigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &ReportSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  buildDomainSeparator(reportDomainName, reportDomainVersion, chainID),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *ReportSigner) Address() common.Address {
	return s.address
}

// Sign fills report.Signer and report.Signature.
func (s *ReportSigner) Sign(report *domain.SettlementReport) error {
	digest := eip712Hash(s.domainSep, reportStructHash(*report))
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return fmt.Errorf("crypto/signer: signing report %s: %w", report.MarketID, err)
	}
	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	report.Signer = s.address.Hex()
	report.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// ReportVerifier checks that reports were signed by the operator key.
type ReportVerifier struct {
	domainSep []byte
	operator  common.Address
}

// NewReportVerifier creates a verifier for reports signed on chainID by
// operator.
func NewReportVerifier(chainID int, operator common.Address) *ReportVerifier {
	return &ReportVerifier{
		domainSep: buildDomainSeparator(reportDomainName, reportDomainVersion, chainID),
		operator:  operator,
	}
}

// Verify reports whether report carries a valid operator signature. The
// Signer field is informational; a report signed by any other key fails.
func (v *ReportVerifier) Verify(report domain.SettlementReport) bool {
	if report.Signature == "" || v.operator == (common.Address{}) {
		return false
	}
	if report.Signer != "" && common.HexToAddress(report.Signer) != v.operator {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(report.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return false
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := eip712Hash(v.domainSep, reportStructHash(report))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == v.operator
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// reportStructHash encodes a report according to EIP-712. Lines are hashed
// as SettlementLine structs and folded into one hash in report order.
func reportStructHash(r domain.SettlementReport) []byte {
	lines := make([][]byte, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, ethcrypto.Keccak256(
			concatBytes(
				lineTypeHash,
				ethcrypto.Keccak256([]byte(l.PredictionID)),
				ethcrypto.Keccak256([]byte(l.AccountID)),
				bigIntTo32Bytes(big.NewInt(l.Stake)),
				optionalWord(l.Choice),
				ethcrypto.Keccak256([]byte(l.State)),
				ethcrypto.Keccak256([]byte(l.Outcome)),
				bigIntTo32Bytes(big.NewInt(l.Payout)),
			),
		))
	}

	var completed int64
	if !r.CompletedAt.IsZero() {
		completed = r.CompletedAt.Unix()
	}

	return ethcrypto.Keccak256(
		concatBytes(
			reportTypeHash,
			ethcrypto.Keccak256([]byte(r.MarketID)),
			ethcrypto.Keccak256([]byte(r.Status)),
			ethcrypto.Keccak256([]byte(r.Kind)),
			optionalWord(r.WinningOutcome),
			ethcrypto.Keccak256([]byte(r.Source)),
			bigIntTo32Bytes(big.NewInt(r.TotalStake)),
			bigIntTo32Bytes(big.NewInt(r.TotalPaid)),
			bigIntTo32Bytes(big.NewInt(completed)),
			ethcrypto.Keccak256(lines...),
		),
	)
}

func optionalWord(v *int) []byte {
	if v == nil {
		return bigIntTo32Bytes(big.NewInt(noOutcome))
	}
	return bigIntTo32Bytes(big.NewInt(int64(*v)))
}

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func buildDomainSeparator(name, version string, chainID int) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(int64(chainID))),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
