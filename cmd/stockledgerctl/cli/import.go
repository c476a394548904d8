package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// ImportMode enumerates supported execution strategies.
type ImportMode string

const (
	// ImportModeDry validates requests without queueing them.
	ImportModeDry ImportMode = "dry"
	// ImportModeApply queues every valid request for the worker.
	ImportModeApply ImportMode = "apply"
)

// MovementQueue queues movement requests.
type MovementQueue interface {
	EnqueueMovement(ctx context.Context, req inventory.MovementRequest) (*asynq.TaskInfo, error)
}

// ImportOptions configures the import command execution.
type ImportOptions struct {
	TenantID     int64
	ActorID      int64
	Source       string
	SourceReader io.Reader
	Mode         ImportMode
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
	Stdin        io.Reader
}

// ImportRow reports what happened to one request of the source file.
type ImportRow struct {
	Index     int    `json:"index"`
	Reference string `json:"reference,omitempty"`
	Status    string `json:"status"`
	TaskID    string `json:"task_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ImportSummary captures the structured reporting outcome.
type ImportSummary struct {
	Mode     ImportMode  `json:"mode"`
	TenantID int64       `json:"tenant_id"`
	Valid    int         `json:"valid"`
	Rejected int         `json:"rejected"`
	Queued   int         `json:"queued"`
	Rows     []ImportRow `json:"rows"`
}

// ImportCLI queues files of normalised movement requests for the worker.
type ImportCLI struct {
	queue    MovementQueue
	validate func(inventory.MovementRequest) error
}

// NewImportCLI constructs the helper. validate may be nil.
func NewImportCLI(queue MovementQueue, validate func(inventory.MovementRequest) error) *ImportCLI {
	return &ImportCLI{queue: queue, validate: validate}
}

// ImportCommand runs the import and returns the process exit code. A dry run
// that finds rejected requests exits with 10 so scripts can gate the apply step.
func (c *ImportCLI) ImportCommand(ctx context.Context, opts ImportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Mode == "" {
		opts.Mode = ImportModeDry
	}
	mode := ImportMode(strings.ToLower(string(opts.Mode)))
	switch mode {
	case ImportModeDry, ImportModeApply:
	default:
		fmt.Fprintf(opts.Stderr, "import: invalid mode %q (expected dry or apply)\n", opts.Mode)
		return 1
	}
	if opts.TenantID <= 0 {
		fmt.Fprintln(opts.Stderr, "import: --tenant is required")
		return 1
	}
	if mode == ImportModeApply && c.queue == nil {
		fmt.Fprintln(opts.Stderr, "import: queue not configured")
		return 1
	}
	rows, err := loadMovementRows(opts)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "import: %v\n", err)
		return 1
	}

	summary := ImportSummary{Mode: mode, TenantID: opts.TenantID}
	for _, row := range rows {
		report := ImportRow{Index: row.index, Reference: row.req.Reference, Status: "valid"}
		err := row.err
		if err == nil && c.validate != nil {
			err = c.validate(row.req)
		}
		if err != nil {
			report.Status, report.Error = "rejected", err.Error()
			summary.Rejected++
			summary.Rows = append(summary.Rows, report)
			continue
		}
		summary.Valid++
		if mode == ImportModeApply {
			info, err := c.queue.EnqueueMovement(ctx, row.req)
			switch {
			case errors.Is(err, asynq.ErrTaskIDConflict):
				report.Status = "already_queued"
			case err != nil:
				fmt.Fprintf(opts.Stderr, "import: entry %d: enqueue: %v\n", row.index, err)
				return 1
			default:
				report.Status, report.TaskID = "queued", info.ID
				summary.Queued++
			}
		}
		summary.Rows = append(summary.Rows, report)
	}

	if err := writeImportOutput(opts, summary); err != nil {
		fmt.Fprintf(opts.Stderr, "import: %v\n", err)
		return 1
	}
	if mode == ImportModeDry && summary.Rejected > 0 {
		return 10
	}
	return 0
}

type movementRow struct {
	index int
	req   inventory.MovementRequest
	err   error
}

// loadMovementRows reads a JSON array of movement requests. Each element is
// decoded on its own so one malformed entry rejects only itself.
func loadMovementRows(opts ImportOptions) ([]movementRow, error) {
	var data []byte
	var err error
	switch {
	case opts.SourceReader != nil:
		data, err = io.ReadAll(opts.SourceReader)
	case opts.Source == "-":
		data, err = io.ReadAll(opts.Stdin)
	case strings.TrimSpace(opts.Source) == "":
		return nil, errors.New("--source is required")
	default:
		data, err = os.ReadFile(opts.Source)
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("source must be a JSON array of movement requests: %w", err)
	}

	rows := make([]movementRow, 0, len(raw))
	for i, elem := range raw {
		row := movementRow{index: i + 1}
		if err := json.Unmarshal(elem, &row.req); err != nil {
			row.err = fmt.Errorf("decode: %w", err)
		}
		row.req.TenantID = opts.TenantID
		if row.req.ActorID == 0 {
			row.req.ActorID = opts.ActorID
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeImportOutput(opts ImportOptions, summary ImportSummary) error {
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Fprintf(opts.Stdout, "import %s: tenant %d, %d valid, %d rejected, %d queued\n",
		summary.Mode, summary.TenantID, summary.Valid, summary.Rejected, summary.Queued)
	for _, row := range summary.Rows {
		if row.Error != "" {
			fmt.Fprintf(opts.Stdout, "  #%d %s: %s\n", row.Index, row.Status, row.Error)
			continue
		}
		fmt.Fprintf(opts.Stdout, "  #%d %s %s\n", row.Index, row.Status, row.Reference)
	}
	return nil
}
