package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/execgate/internal/domain"
)

type captureWriter struct {
	path        string
	contentType string
	data        []byte
	puts        int
}

func (w *captureWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	w.path = path
	w.contentType = contentType
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.data = b
	w.puts++
	return nil
}

func (w *captureWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return w.Put(ctx, path, data, "application/octet-stream")
}

type stubOrderArchive struct{ orders []domain.Order }

func (s *stubOrderArchive) ListBefore(ctx context.Context, before time.Time) ([]domain.Order, error) {
	return s.orders, nil
}

type stubFillArchive struct{ fills []domain.Fill }

func (s *stubFillArchive) ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error) {
	return s.fills, nil
}

type stubAudit struct {
	logged  []string
	entries []domain.AuditEntry
}

func (s *stubAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	s.logged = append(s.logged, event)
	return nil
}

func (s *stubAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.entries, nil
}

func TestArchiveOrdersWritesJSONL(t *testing.T) {
	writer := &captureWriter{}
	audit := &stubAudit{}
	orders := &stubOrderArchive{orders: []domain.Order{
		{ID: "ord-1", Symbol: "AAPL", Status: domain.OrderStatusFilled},
		{ID: "ord-2", Symbol: "MSFT", Status: domain.OrderStatusCancelled},
	}}
	a := NewArchiver(writer, orders, &stubFillArchive{}, audit)

	cutoff := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	count, err := a.ArchiveOrders(context.Background(), cutoff)

	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, "archive/orders/2025-01.jsonl", writer.path)
	assert.Equal(t, "application/x-ndjson", writer.contentType)
	assert.Contains(t, audit.logged, "archive.orders")

	// Each line decodes back to an order.
	scanner := bufio.NewScanner(bytes.NewReader(writer.data))
	var lines int
	for scanner.Scan() {
		var o domain.Order
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &o))
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestArchiveOrdersNoRecordsSkipsUpload(t *testing.T) {
	writer := &captureWriter{}
	audit := &stubAudit{}
	a := NewArchiver(writer, &stubOrderArchive{}, &stubFillArchive{}, audit)

	count, err := a.ArchiveOrders(context.Background(), time.Now())

	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, writer.puts, "empty result must not create an object")
	assert.Empty(t, audit.logged)
}

func TestArchiveFillsPartitionsByMonth(t *testing.T) {
	writer := &captureWriter{}
	a := NewArchiver(writer, &stubOrderArchive{}, &stubFillArchive{fills: []domain.Fill{
		{ID: "fill-1", OrderID: "ord-1", Quantity: 10, Price: 100},
	}}, &stubAudit{})

	cutoff := time.Date(2025, 6, 30, 23, 59, 0, 0, time.UTC)
	count, err := a.ArchiveFills(context.Background(), cutoff)

	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, "archive/fills/2025-06.jsonl", writer.path)
}

func TestArchiveAuditUploadsEntries(t *testing.T) {
	writer := &captureWriter{}
	audit := &stubAudit{entries: []domain.AuditEntry{
		{ID: 1, Event: "order_filled"},
		{ID: 2, Event: "order_rejected_risk"},
	}}
	a := NewArchiver(writer, &stubOrderArchive{}, &stubFillArchive{}, audit)

	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	count, err := a.ArchiveAudit(context.Background(), cutoff)

	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, "archive/audit/2025-03.jsonl", writer.path)
	assert.Contains(t, audit.logged, "archive.audit")
}
