package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/odyssey-erp/stockledger/cmd/stockledgerctl/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/inventory"
)

const usage = `usage: stockledgerctl <command> [flags]

commands:
  import   validate a JSON file of movement requests and queue it for the worker
  sweep    queue an alert sweep
  queues   print queue statistics
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping ctl startup")
		return
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr, cfg.MovementMaxRetry)
	if err != nil {
		slog.Default().Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	code := run(ctx, jobsCLI, os.Args[1], os.Args[2:])
	if err := jobsCLI.Close(); err != nil {
		slog.Default().Warn("close jobs client", slog.Any("error", err))
	}
	os.Exit(code)
}

func run(ctx context.Context, jobsCLI *cli.JobsCLI, command string, args []string) int {
	switch command {
	case "import":
		fs := flag.NewFlagSet("import", flag.ContinueOnError)
		tenant := fs.Int64("tenant", 0, "tenant id")
		actor := fs.Int64("actor", 0, "acting user id")
		source := fs.String("source", "", "JSON file of movement requests, or - for stdin")
		mode := fs.String("mode", string(cli.ImportModeDry), "dry or apply")
		jsonOut := fs.Bool("json", false, "print a JSON summary")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		// The ledger validates without storage, so a nil repository is enough here.
		validator := inventory.NewLedger(nil, inventory.LedgerConfig{})
		return cli.NewImportCLI(jobsCLI.Queue(), validator.Validate).ImportCommand(ctx, cli.ImportOptions{
			TenantID:   *tenant,
			ActorID:    *actor,
			Source:     *source,
			Mode:       cli.ImportMode(*mode),
			JSONOutput: *jsonOut,
		})
	case "sweep":
		fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
		tenant := fs.Int64("tenant", 0, "tenant id, 0 sweeps every tenant")
		types := fs.String("types", "", "comma separated alert types, empty for all")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		info, err := jobsCLI.TriggerSweep(ctx, *tenant, *types)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "queued %s (%s)\n", info.ID, info.Queue)
		return 0
	case "queues":
		stats, err := jobsCLI.InspectQueues(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queues: %v\n", err)
			return 1
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
		if err := tw.Flush(); err != nil {
			return 1
		}
		archived, err := jobsCLI.ListArchived(ctx, 10)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queues: %v\n", err)
			return 1
		}
		for _, task := range archived {
			fmt.Fprintf(os.Stdout, "archived %s %s: %s\n", task.ID, task.Type, task.LastErr)
		}
		return 0
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}
