package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ReportArchive stores signed settlement reports in cold storage.
type ReportArchive interface {
	Save(ctx context.Context, report SettlementReport) (path string, err error)
	Load(ctx context.Context, marketID string) (SettlementReport, error)
	Exists(ctx context.Context, marketID string) (bool, error)
}
