package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/boxmeout/internal/crypto"
	"github.com/alanyoungcy/boxmeout/internal/domain"
)

const (
	testKeyHex   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testOperator = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	rogueKeyHex  = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func operatorVerifier() *crypto.ReportVerifier {
	return crypto.NewReportVerifier(1, common.HexToAddress(testOperator))
}

// memBlobs is an in-memory bucket.
type memBlobs struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objs: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objs[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objs[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objs[path]
	return ok, nil
}

func signedReport(t *testing.T, marketID string) domain.SettlementReport {
	t.Helper()
	win := domain.OutcomeA
	r := domain.SettlementReport{
		MarketID:       marketID,
		Status:         domain.MarketStatusResolved,
		Kind:           domain.SettlementPayout,
		WinningOutcome: &win,
		TotalStake:     150,
		TotalPaid:      150,
		CompletedAt:    time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Lines: []domain.SettlementLine{
			{PredictionID: "p1", AccountID: "a1", Stake: 100, State: domain.PredictionSettled, Outcome: domain.OutcomeWon, Payout: 150},
			{PredictionID: "p2", AccountID: "a2", Stake: 50, State: domain.PredictionSettled, Outcome: domain.OutcomeLost},
		},
	}
	signer, err := crypto.NewReportSigner(testKeyHex, 1)
	require.NoError(t, err)
	require.NoError(t, signer.Sign(&r))
	return r
}

func TestReportArchive_RoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	archive := NewReportArchive(blobs, blobs, operatorVerifier(), "")

	ok, err := archive.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	path, err := archive.Save(ctx, signedReport(t, "m1"))
	require.NoError(t, err)
	assert.Equal(t, "reports/m1.json", path)

	got, err := archive.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.TotalPaid)
	assert.Len(t, got.Lines, 2)

	ok, err = archive.Exists(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = archive.Load(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReportArchive_RejectsTamperedReport(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	archive := NewReportArchive(blobs, blobs, operatorVerifier(), "audit")
	assert.Equal(t, "audit/m1.json", archive.Path("m1"))

	_, err := archive.Save(ctx, signedReport(t, "m1"))
	require.NoError(t, err)

	raw := blobs.objs["audit/m1.json"]
	blobs.objs["audit/m1.json"] = bytes.Replace(raw, []byte(`"payout": 150`), []byte(`"payout": 151`), 1)

	_, err = archive.Load(ctx, "m1")
	assert.ErrorIs(t, err, ErrBadSignature)

	forged := signedReport(t, "m1")
	forged.Lines[1].Payout = 1_000_000
	rogue, err := crypto.NewReportSigner(rogueKeyHex, 1)
	require.NoError(t, err)
	require.NoError(t, rogue.Sign(&forged))
	_, err = archive.Save(ctx, forged)
	require.NoError(t, err)
	_, err = archive.Load(ctx, "m1")
	assert.ErrorIs(t, err, ErrBadSignature, "a report signed by another key is rejected")

	unverified := NewReportArchive(blobs, blobs, nil, "audit")
	got, err := unverified.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), got.Lines[1].Payout)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
}

func TestReportArchive_MinIOIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	var container testcontainers.Container
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("Skipping integration test (docker unavailable): %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "minio/minio:latest",
				ExposedPorts: []string{"9000/tcp"},
				Cmd:          []string{"server", "/data"},
				Env: map[string]string{
					"MINIO_ROOT_USER":     "minioadmin",
					"MINIO_ROOT_PASSWORD": "minioadmin",
				},
				WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("Skipping integration test (container start failed): %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := New(ctx, ClientConfig{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         fmt.Sprintf("boxmeout-%d", time.Now().UnixNano()),
		AccessKey:      "minioadmin",
		SecretKey:      "minioadmin",
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	require.NoError(t, client.EnsureBucket(ctx))
	require.NoError(t, client.Health(ctx))

	archive := NewReportArchive(NewWriter(client), NewReader(client), operatorVerifier(), "")
	_, err = archive.Save(ctx, signedReport(t, "m1"))
	require.NoError(t, err)

	got, err := archive.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.MarketID)

	ok, err := archive.Exists(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = archive.Load(ctx, "m2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
