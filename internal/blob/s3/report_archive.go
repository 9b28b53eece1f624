package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// multipartThreshold switches Save to a multipart upload for large markets.
const multipartThreshold = 8 * 1024 * 1024

// ErrBadSignature is returned by Load when an archived report fails
// signature verification.
var ErrBadSignature = errors.New("s3blob: report signature mismatch")

// ReportVerifier checks a report signature. *crypto.ReportVerifier
// satisfies it.
type ReportVerifier interface {
	Verify(report domain.SettlementReport) bool
}

// ReportArchive stores settlement reports as JSON at
// "{prefix}{marketID}.json".
type ReportArchive struct {
	w        domain.BlobWriter
	r        domain.BlobReader
	verifier ReportVerifier
	prefix   string
}

var _ domain.ReportArchive = (*ReportArchive)(nil)

// NewReportArchive creates a ReportArchive. An empty prefix defaults to
// "reports/". With a non-nil verifier, Load rejects unsigned or tampered
// reports.
func NewReportArchive(w domain.BlobWriter, r domain.BlobReader, verifier ReportVerifier, prefix string) *ReportArchive {
	if prefix == "" {
		prefix = "reports/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ReportArchive{w: w, r: r, verifier: verifier, prefix: prefix}
}

// Path returns the object key of a market's report.
func (a *ReportArchive) Path(marketID string) string {
	return a.prefix + marketID + ".json"
}

// Save writes report and returns its object key. Saving twice overwrites.
func (a *ReportArchive) Save(ctx context.Context, report domain.SettlementReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal report %s: %w", report.MarketID, err)
	}

	path := a.Path(report.MarketID)
	if len(data) > multipartThreshold {
		err = a.w.PutMultipart(ctx, path, bytes.NewReader(data), minPartSize)
	} else {
		err = a.w.Put(ctx, path, bytes.NewReader(data), "application/json")
	}
	if err != nil {
		return "", err
	}
	return path, nil
}

// Load reads and verifies a market's report.
func (a *ReportArchive) Load(ctx context.Context, marketID string) (domain.SettlementReport, error) {
	body, err := a.r.Get(ctx, a.Path(marketID))
	if err != nil {
		return domain.SettlementReport{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("s3blob: read report %s: %w", marketID, err)
	}
	var report domain.SettlementReport
	if err := json.Unmarshal(data, &report); err != nil {
		return domain.SettlementReport{}, fmt.Errorf("s3blob: decode report %s: %w", marketID, err)
	}
	if a.verifier != nil && !a.verifier.Verify(report) {
		return domain.SettlementReport{}, fmt.Errorf("s3blob: report %s: %w", marketID, ErrBadSignature)
	}
	return report, nil
}

// Exists reports whether a market's report has been archived.
func (a *ReportArchive) Exists(ctx context.Context, marketID string) (bool, error) {
	return a.r.Exists(ctx, a.Path(marketID))
}
