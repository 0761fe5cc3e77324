// Command riskingest manages resumable ingestion of tabular risk data:
// chunked upload staging, column-mapping detection, checkpointed
// ingestion, and analytics reads, against a pluggable row store.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"riskingest/internal/analytics"
	"riskingest/internal/config"
	"riskingest/internal/control"
	"riskingest/internal/ingest"
	"riskingest/internal/jobs"
	"riskingest/internal/metrics"
	"riskingest/internal/metrics/datadog"
	"riskingest/internal/storage"

	_ "riskingest/internal/storage/mssql"
	_ "riskingest/internal/storage/postgres"
	_ "riskingest/internal/storage/sqlite"
)

// uploadChunkSize is the part size used when streaming a local file
// through the chunked upload path.
const uploadChunkSize = 8 << 20

var (
	cfgFile string

	flagName       string
	flagMode       string
	flagBackground bool
	flagPoll       time.Duration
	flagAll        bool
	flagHard       bool
	flagOut        string
	flagTopN       int
	flagLimit      int
	flagYears      []int64
	flagScenarios  []string
	flagThemes     []string
	flagIndicators []string
)

// printfLogger adapts slog text output to the Printf-style Logger the
// internal packages accept.
type printfLogger struct {
	l *slog.Logger
}

func (p printfLogger) Printf(format string, v ...any) {
	p.l.Info(fmt.Sprintf(format, v...))
}

// app bundles everything a command needs after startup wiring.
type app struct {
	cfg       config.Settings
	store     storage.Store
	svc       *control.Service
	analytics *analytics.Service
	logger    printfLogger
	closeFns  []func()
}

func (a *app) close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
}

// open wires config, store, metrics and services for one command run.
func open(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger := printfLogger{slog.New(slog.NewTextHandler(os.Stderr, nil))}

	st, err := storage.New(ctx, storage.Config{Kind: cfg.StoreKind, DSN: cfg.StoreDSN})
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	a := &app{
		cfg:    cfg,
		store:  st,
		logger: logger,
		svc: control.NewService(control.Options{
			Store:       st,
			Files:       afero.NewOsFs(),
			DataDir:     cfg.DataDir,
			Logger:      logger,
			BatchSize:   cfg.BatchSize,
			StepMaxRows: cfg.StepMaxRows,
			Workers:     cfg.Workers,
		}),
		analytics: &analytics.Service{Store: st},
	}
	a.closeFns = append(a.closeFns, st.Close)
	// Drain runs before the store closes, so background ingests queued by
	// this invocation finish their final commits.
	a.closeFns = append(a.closeFns, a.svc.Close)

	if cfg.DatadogAPIKey != "" {
		// The Datadog SDK reads credentials from the environment.
		_ = os.Setenv("DD_API_KEY", cfg.DatadogAPIKey)
		if cfg.DatadogAppKey != "" {
			_ = os.Setenv("DD_APP_KEY", cfg.DatadogAppKey)
		}
		backend, err := datadog.NewBackend(ctx, datadog.Options{
			Tags: datadog.ParseTagsCSV(cfg.DatadogTags),
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("datadog backend: %w", err)
		}
		metrics.SetBackend(backend)
		a.closeFns = append(a.closeFns, func() { _ = backend.Close() })
	}
	return a, nil
}

// withApp wraps a cobra RunE with startup wiring, signal handling and
// teardown.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := open(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, a, args)
	}
}

func parseMode(s string) (control.Mode, error) {
	switch s {
	case "replace":
		return control.FullReplace, nil
	case "append":
		return control.ResumableAppend, nil
	default:
		return "", fmt.Errorf("unknown --mode %q (want replace or append)", s)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func factFilter() storage.FactFilter {
	return storage.FactFilter{
		Years:      flagYears,
		Scenarios:  flagScenarios,
		Themes:     flagThemes,
		Indicators: flagIndicators,
	}
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().Int64SliceVar(&flagYears, "year", nil, "restrict to these years")
	cmd.Flags().StringSliceVar(&flagScenarios, "scenario", nil, "restrict to these scenarios")
	cmd.Flags().StringSliceVar(&flagThemes, "theme", nil, "restrict to these themes")
	cmd.Flags().StringSliceVar(&flagIndicators, "indicator", nil, "restrict to these indicators")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the whole command tree. Split from main so tests can
// exercise registration and flag parsing.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "riskingest",
		Short:         "Resumable ingestion of tabular risk data",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); RISKINGEST_* env vars override")

	uploadCmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a CSV/XLSX file as a new dataset and detect its columns",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return runUpload(ctx, a, args[0])
		}),
	}
	uploadCmd.Flags().StringVar(&flagName, "name", "", "dataset display name (defaults to the filename)")

	detectCmd := &cobra.Command{
		Use:   "detect <dataset-id>",
		Short: "Re-run column detection on a dataset's stored source file",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			res, err := a.svc.Detect(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	}

	mappingCmd := &cobra.Command{
		Use:   "mapping <dataset-id> <mapping.json>",
		Short: "Confirm the column mapping for a dataset",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return runMapping(ctx, a, args[0], args[1])
		}),
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest <dataset-id>",
		Short: "Ingest a dataset to completion",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			mode, err := parseMode(flagMode)
			if err != nil {
				return err
			}
			if flagBackground {
				if err := a.svc.IngestBackground(ctx, args[0], mode); err != nil {
					return err
				}
				st, err := a.svc.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(st)
			}
			return a.svc.Ingest(ctx, args[0], mode)
		}),
	}
	ingestCmd.Flags().StringVar(&flagMode, "mode", "append", "ingestion mode: replace (full pass) or append (resumable)")
	ingestCmd.Flags().BoolVar(&flagBackground, "background", false, "enqueue on the worker pool and print the queued status; poll with the status command")

	stepCmd := &cobra.Command{
		Use:   "step <dataset-id>",
		Short: "Consume one checkpointed slice of rows",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			res, err := a.svc.Step(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		}),
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <dataset-id>",
		Short: "Ask a running ingest to stop at its next batch boundary",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.svc.RequestCancel(ctx, args[0])
		}),
	}

	retryCmd := &cobra.Command{
		Use:   "retry [dataset-id]",
		Short: "Resume interrupted or failed ingests from their checkpoints",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if len(args) == 1 {
				return a.svc.Retry(ctx, args[0])
			}
			if !flagAll {
				return errors.New("pass a dataset id or --all")
			}
			return retryAll(ctx, a)
		}),
	}
	retryCmd.Flags().BoolVar(&flagAll, "all", false, "retry every FAILED dataset")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued ingests on the worker pool until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			return runWorker(ctx, a)
		}),
	}
	workerCmd.Flags().DurationVar(&flagPoll, "poll", 2*time.Second, "how often to look for queued datasets")

	statusCmd := &cobra.Command{
		Use:   "status <dataset-id>",
		Short: "Show a dataset's lifecycle state and ingest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			st, err := a.svc.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		}),
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List datasets",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			ds, err := a.svc.List(ctx, flagAll)
			if err != nil {
				return err
			}
			return printJSON(ds)
		}),
	}
	listCmd.Flags().BoolVar(&flagAll, "all", false, "include soft-deleted datasets")

	renameCmd := &cobra.Command{
		Use:   "rename <dataset-id> <name>",
		Short: "Rename a dataset",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.svc.Rename(ctx, args[0], args[1])
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <dataset-id>",
		Short: "Soft-delete a dataset (use --hard to remove rows and files)",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if flagHard {
				return a.svc.HardDelete(ctx, args[0])
			}
			return a.svc.SoftDelete(ctx, args[0])
		}),
	}
	deleteCmd.Flags().BoolVar(&flagHard, "hard", false, "irreversibly delete rows and staged files")

	restoreCmd := &cobra.Command{
		Use:   "restore <dataset-id>",
		Short: "Restore a soft-deleted dataset",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return a.svc.Restore(ctx, args[0])
		}),
	}

	filtersCmd := &cobra.Command{
		Use:   "filters <dataset-id>",
		Short: "Show the distinct filterable values of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			f, err := a.analytics.FilterOptions(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(f)
		}),
	}

	topCmd := &cobra.Command{
		Use:   "top <dataset-id>",
		Short: "Rank assets by their maximum value under a filter",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			top, err := a.analytics.TopAssets(ctx, args[0], factFilter(), flagTopN)
			if err != nil {
				return err
			}
			return printJSON(top)
		}),
	}
	topCmd.Flags().IntVarP(&flagTopN, "top", "n", analytics.DefaultTopN, "number of assets to rank")
	addFilterFlags(topCmd)

	assetsCmd := &cobra.Command{
		Use:   "assets <dataset-id> [query]",
		Short: "Search a dataset's assets by id or label",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			q := ""
			if len(args) == 2 {
				q = args[1]
			}
			as, err := a.analytics.Assets(ctx, args[0], q, flagLimit)
			if err != nil {
				return err
			}
			return printJSON(as)
		}),
	}
	assetsCmd.Flags().IntVar(&flagLimit, "limit", 50, "maximum assets to return")

	exportCmd := &cobra.Command{
		Use:   "export <dataset-id>",
		Short: "Export matching facts as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return runExport(ctx, a, args[0])
		}),
	}
	exportCmd.Flags().StringVarP(&flagOut, "out", "o", "", "output file (default stdout)")
	addFilterFlags(exportCmd)

	root.AddCommand(uploadCmd, detectCmd, mappingCmd, ingestCmd, stepCmd, cancelCmd, retryCmd,
		workerCmd, statusCmd, listCmd, renameCmd, deleteCmd, restoreCmd,
		filtersCmd, topCmd, assetsCmd, exportCmd)
	return root
}

// runUpload streams a local file through the chunked upload path, then
// prints the detected columns, sample and mapping guess.
func runUpload(ctx context.Context, a *app, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ds, err := a.svc.InitUpload(ctx, flagName, filepath.Base(path))
	if err != nil {
		return err
	}

	buf := make([]byte, uploadChunkSize)
	for index := 0; ; index++ {
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			if _, err := a.svc.PutPart(ctx, ds.ID, index, bytes.NewReader(buf[:n])); err != nil {
				return err
			}
		}
		if rerr == io.EOF || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	res, err := a.svc.Finalize(ctx, ds.ID)
	if err != nil {
		return err
	}
	return printJSON(struct {
		DatasetID string         `json:"dataset_id"`
		Columns   []string       `json:"columns"`
		Sample    [][]string     `json:"sample"`
		Guess     ingest.Mapping `json:"guess"`
	}{ds.ID, res.Columns, res.Sample, res.Guess})
}

func runMapping(ctx context.Context, a *app, datasetID, mappingPath string) error {
	b, err := os.ReadFile(mappingPath)
	if err != nil {
		return err
	}
	m, err := ingest.ParseMapping(string(b))
	if err != nil {
		return err
	}
	return a.svc.ConfirmMapping(ctx, datasetID, m)
}

// runWorker polls for datasets whose job sits at QUEUED and runs them
// on the service's pool. On interrupt the loop stops accepting work and
// teardown drains in-flight ingests to completion.
func runWorker(ctx context.Context, a *app) error {
	t := time.NewTicker(flagPoll)
	defer t.Stop()

	for {
		n, err := a.svc.ProcessQueued(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n > 0 {
			a.logger.Printf("stage=worker submitted=%d", n)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// retryAll resumes every FAILED dataset on the worker pool.
func retryAll(ctx context.Context, a *app) error {
	ds, err := a.svc.List(ctx, false)
	if err != nil {
		return err
	}

	pool := jobs.NewPool(a.cfg.Workers, a.logger)
	var failed atomic.Int64
	for _, d := range ds {
		if d.Status != storage.DatasetFailed {
			continue
		}
		id := d.ID
		if err := pool.Submit(func(context.Context) {
			if err := a.svc.Retry(ctx, id); err != nil {
				a.logger.Printf("stage=retry_all dataset=%s err=%v", id, err)
				failed.Add(1)
			}
		}); err != nil {
			pool.Shutdown()
			return err
		}
	}
	pool.Shutdown()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d dataset(s) failed to retry", n)
	}
	return nil
}

func runExport(ctx context.Context, a *app, datasetID string) error {
	var w io.Writer = os.Stdout
	if flagOut != "" {
		f, err := os.Create(flagOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	n, err := a.analytics.ExportCSV(ctx, w, datasetID, factFilter())
	if err != nil {
		return err
	}
	a.logger.Printf("stage=export dataset=%s rows=%d", datasetID, n)
	return nil
}
