package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/cleared-dev/tally/internal/export"
	"github.com/cleared-dev/tally/internal/importer"
	"github.com/cleared-dev/tally/internal/model"
	"github.com/cleared-dev/tally/internal/normalize"
	"github.com/cleared-dev/tally/internal/reconcile"
	"github.com/cleared-dev/tally/internal/runlog"
)

// now is replaced in tests.
var now = time.Now

type runOptions struct {
	internal         string
	provider         string
	outDir           string
	tolerance        string
	encoding         string
	historyDir       string
	rejectDuplicates bool
}

func newRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile two CSV files and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.internal, "internal", "", "internal transactions CSV (required)")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "provider transactions CSV (required)")
	_ = cmd.MarkFlagRequired("internal")
	_ = cmd.MarkFlagRequired("provider")
	cmd.Flags().StringVar(&opts.outDir, "out", "", "directory to write the three CSV exports to")
	cmd.Flags().StringVar(&opts.tolerance, "tolerance", "", "amount tolerance (overrides config)")
	cmd.Flags().StringVar(&opts.encoding, "encoding", "", "input encoding: utf-8, latin1, windows-1252 (overrides config)")
	cmd.Flags().StringVar(&opts.historyDir, "history", "", "directory of the run history log; empty disables it")
	cmd.Flags().BoolVar(&opts.rejectDuplicates, "reject-duplicates", false, "fail when a file repeats a transaction reference")

	return cmd
}

func runReconcile(cmd *cobra.Command, opts runOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	engineOpts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	importOpts, err := cfg.ImportOptions()
	if err != nil {
		return err
	}

	if opts.tolerance != "" {
		tol, err := decimal.NewFromString(opts.tolerance)
		if err != nil || tol.IsNegative() {
			return fmt.Errorf("--tolerance %q must be a non-negative decimal", opts.tolerance)
		}
		engineOpts.AmountTolerance = tol
	}
	if opts.rejectDuplicates {
		engineOpts.Duplicates = reconcile.DuplicatesReject
	}
	if opts.encoding != "" {
		enc, err := importer.ParseEncoding(opts.encoding)
		if err != nil {
			return fmt.Errorf("--encoding: %w", err)
		}
		importOpts.Encoding = enc
	}

	// Both files are read before failing so each side's problem is reported.
	internal, inErr := loadSide(model.SideInternal, opts.internal, importOpts)
	provider, prErr := loadSide(model.SideProvider, opts.provider, importOpts)
	if err := errors.Join(inErr, prErr); err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	printWarnings(stderr, model.SideInternal, internal)
	printWarnings(stderr, model.SideProvider, provider)

	res, err := reconcile.New(engineOpts).Reconcile(internal.Records, provider.Records)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reconciled %s against %s\n\n", opts.internal, opts.provider)
	if err := printReport(out, res); err != nil {
		return err
	}

	if opts.outDir != "" {
		paths, err := writeExports(opts.outDir, res, internal.Columns, provider.Columns, now())
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		for _, p := range paths {
			fmt.Fprintf(out, "Wrote %s\n", p)
		}
	}

	if opts.historyDir != "" {
		entry := runlog.Entry{
			Timestamp:    now(),
			InternalFile: filepath.Base(opts.internal),
			ProviderFile: filepath.Base(opts.provider),
			Summary:      res.Summary,
		}
		if err := runlog.Append(opts.historyDir, entry); err != nil {
			fmt.Fprintf(stderr, "warning: failed to write run history: %v\n", err)
		}
	}
	return nil
}

func loadSide(side model.Side, path string, opts importer.Options) (*normalize.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s file: %w", side, err)
	}
	defer f.Close()

	batch, err := normalize.ReadBatch(f, opts)
	if err != nil {
		return nil, fmt.Errorf("%s file %s: %w", side, path, err)
	}
	return batch, nil
}

func printWarnings(w io.Writer, side model.Side, b *normalize.Batch) {
	for _, warn := range b.Warnings {
		fmt.Fprintf(w, "warning: %s %s\n", side, warn)
	}
	if b.Discarded > 0 {
		fmt.Fprintf(w, "warning: %s: %d rows without a transaction reference skipped\n", side, b.Discarded)
	}
}

func printReport(w io.Writer, res model.Result) error {
	s := res.Summary
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  Internal records\t%d\n", s.TotalInternal)
	fmt.Fprintf(tw, "  Provider records\t%d\n", s.TotalProvider)
	fmt.Fprintf(tw, "  Matched\t%d\t(%s%%)\n", s.Matched, s.MatchRate().StringFixed(2))
	fmt.Fprintf(tw, "  Internal only\t%d\n", s.InternalOnly)
	fmt.Fprintf(tw, "  Provider only\t%d\n", s.ProviderOnly)
	fmt.Fprintf(tw, "  Amount mismatches\t%d\n", s.AmountMismatches)
	fmt.Fprintf(tw, "  Status mismatches\t%d\n", s.StatusMismatches)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(res.AmountMismatches) > 0 {
		fmt.Fprintln(w, "\nAmount mismatches:")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  REFERENCE\tINTERNAL\tPROVIDER\tDIFFERENCE")
		for _, m := range res.AmountMismatches {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", m.Reference, m.Internal.Amount, m.Provider.Amount, export.Difference(m))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(res.StatusMismatches) > 0 {
		fmt.Fprintln(w, "\nStatus mismatches:")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  REFERENCE\tINTERNAL\tPROVIDER")
		for _, m := range res.StatusMismatches {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", m.Reference, m.Internal.Status, m.Provider.Status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func writeExports(dir string, res model.Result, internalCols, providerCols []string, t time.Time) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	paths := make([]string, 0, len(export.Kinds))
	for _, kind := range export.Kinds {
		path := filepath.Join(dir, export.FileName(kind, t))
		if err := writeExport(path, kind, res, internalCols, providerCols); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeExport(path string, kind export.Kind, res model.Result, internalCols, providerCols []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s export: %w", kind, err)
	}
	if err := export.Write(f, kind, res, internalCols, providerCols); err != nil {
		f.Close()
		return fmt.Errorf("writing %s export: %w", kind, err)
	}
	return f.Close()
}
