package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/alerts"
	"github.com/odyssey-erp/stockledger/internal/inventory"
)

type stubQueue struct {
	reqs []inventory.MovementRequest
	err  error
}

func (s *stubQueue) EnqueueMovement(_ context.Context, req inventory.MovementRequest) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	for _, prev := range s.reqs {
		if prev.Reference == req.Reference {
			return nil, asynq.ErrTaskIDConflict
		}
	}
	s.reqs = append(s.reqs, req)
	return &asynq.TaskInfo{ID: "task-" + req.Reference}, nil
}

const openingStock = `[
  {"type":"purchase","product_id":1,"warehouse_id":10,"quantity":"100","unit_cost":"4.25","lot_number":"L-1","expires_at":"2024-09-30T00:00:00Z","reference":"OB-1"},
  {"type":"purchase","product_id":2,"warehouse_id":10,"quantity":"abc","reference":"OB-2"},
  {"type":"transfer","product_id":1,"warehouse_id":10,"quantity":"5","reference":"OB-3"},
  {"type":"purchase","product_id":1,"warehouse_id":10,"quantity":"100","unit_cost":"4.25","lot_number":"L-1","expires_at":"2024-09-30T00:00:00Z","reference":"OB-1"}
]`

func validate(req inventory.MovementRequest) error {
	if req.Type == inventory.MovementTypeTransfer && req.DestinationWarehouseID == 0 {
		return errors.New("destination warehouse required")
	}
	return nil
}

func TestImportDryRunReportsRejectedRows(t *testing.T) {
	queue := &stubQueue{}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := NewImportCLI(queue, validate).ImportCommand(context.Background(), ImportOptions{
		TenantID:     4,
		SourceReader: strings.NewReader(openingStock),
		JSONOutput:   true,
		Stdout:       stdout,
		Stderr:       stderr,
	})
	require.Equal(t, 10, code, stderr.String())
	require.Empty(t, queue.reqs)

	var summary ImportSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, ImportModeDry, summary.Mode)
	require.Equal(t, 2, summary.Valid)
	require.Equal(t, 2, summary.Rejected)
	require.Len(t, summary.Rows, 4)
	require.Equal(t, 1, summary.Rows[0].Index)
	require.Contains(t, summary.Rows[1].Error, "decode")
	require.Contains(t, summary.Rows[2].Error, "destination warehouse")
}

func TestImportApplyQueuesValidRows(t *testing.T) {
	queue := &stubQueue{}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := NewImportCLI(queue, validate).ImportCommand(context.Background(), ImportOptions{
		TenantID:     4,
		ActorID:      12,
		SourceReader: strings.NewReader(openingStock),
		Mode:         ImportModeApply,
		Stdout:       stdout,
		Stderr:       stderr,
	})
	require.Equal(t, 0, code, stderr.String())
	require.Len(t, queue.reqs, 1)

	req := queue.reqs[0]
	require.Equal(t, int64(4), req.TenantID)
	require.Equal(t, int64(12), req.ActorID)
	require.Equal(t, inventory.MovementTypePurchase, req.Type)
	require.Equal(t, "100", req.Quantity.String())
	require.Equal(t, "4.25", req.UnitCost.String())
	require.Equal(t, "2024-09-30", req.ExpiresAt.Format("2006-01-02"))
	require.Contains(t, stdout.String(), "1 queued")
	require.Contains(t, stdout.String(), "already_queued OB-1")
}

func TestImportArgumentErrors(t *testing.T) {
	cli := NewImportCLI(nil, nil)
	stderr := new(bytes.Buffer)

	require.Equal(t, 1, cli.ImportCommand(context.Background(), ImportOptions{TenantID: 1, Mode: "later", Stderr: stderr}))
	require.Contains(t, stderr.String(), "invalid mode")

	require.Equal(t, 1, cli.ImportCommand(context.Background(), ImportOptions{SourceReader: strings.NewReader(openingStock), Stderr: stderr}))
	require.Contains(t, stderr.String(), "--tenant is required")

	require.Equal(t, 1, cli.ImportCommand(context.Background(), ImportOptions{TenantID: 1, Mode: ImportModeApply, SourceReader: strings.NewReader(openingStock), Stderr: stderr}))
	require.Contains(t, stderr.String(), "queue not configured")

	require.Equal(t, 1, cli.ImportCommand(context.Background(), ImportOptions{TenantID: 1, SourceReader: strings.NewReader("sku,qty\nA,1\n"), Stderr: stderr}))
	require.Contains(t, stderr.String(), "JSON array")
}

func TestImportStopsWhenQueueFails(t *testing.T) {
	queue := &stubQueue{err: errors.New("redis down")}
	stderr := new(bytes.Buffer)
	code := NewImportCLI(queue, nil).ImportCommand(context.Background(), ImportOptions{
		TenantID:     4,
		SourceReader: strings.NewReader(openingStock),
		Mode:         ImportModeApply,
		Stdout:       new(bytes.Buffer),
		Stderr:       stderr,
	})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "entry 1: enqueue: redis down")
}

func TestParseAlertTypes(t *testing.T) {
	types, err := ParseAlertTypes(" low_stock, EXPIRED ,")
	require.NoError(t, err)
	require.Equal(t, []alerts.Type{alerts.TypeLowStock, alerts.TypeExpired}, types)

	types, err = ParseAlertTypes("")
	require.NoError(t, err)
	require.Empty(t, types)

	_, err = ParseAlertTypes("overstock")
	require.Error(t, err)
}
