package commands

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/tally/internal/config"
	"github.com/cleared-dev/tally/internal/reconcile"
	"github.com/cleared-dev/tally/internal/runlog"
)

const (
	internalCSV = "transaction_reference,amount,status,customer\nA,100.00,paid,Acme\nB,20,open,Globex\nC,12.5 USD,paid,Initech\nD,7,paid,Hooli\n"
	providerCSV = "transaction_reference,amount,status\nA,100.005,PAID\nC,12.5,failed\nD,9,paid\nZ,1,paid\n"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fixtures(t *testing.T) (dir, internal, provider string) {
	t.Helper()
	dir = t.TempDir()
	return dir, writeFile(t, dir, "internal.csv", internalCSV), writeFile(t, dir, "provider.csv", providerCSV)
}

func fixNow(t *testing.T, ts time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = prev })
}

func TestRun_PrintsReport(t *testing.T) {
	_, in, pr := fixtures(t)

	stdout, stderr, err := execute(t, "run", "--internal", in, "--provider", pr)
	require.NoError(t, err)

	assert.Contains(t, stdout, "Internal records   4")
	assert.Contains(t, stdout, "(75.00%)")
	assert.Contains(t, stdout, "Amount mismatches:")
	assert.Contains(t, stdout, "Status mismatches:")
	assert.Regexp(t, `D\s+7\s+9\s+2`, stdout)
	assert.Regexp(t, `C\s+paid\s+failed`, stdout)

	assert.Contains(t, stderr, "warning: internal line 4: amount")
	assert.Contains(t, stderr, "trailing text ignored")
}

func TestRun_WritesExports(t *testing.T) {
	dir, in, pr := fixtures(t)
	fixNow(t, time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC))
	out := filepath.Join(dir, "out")

	stdout, _, err := execute(t, "run", "--internal", in, "--provider", pr, "--out", out)
	require.NoError(t, err)

	for _, name := range []string{
		"matched_transactions_20260704-100000.csv",
		"internal_only_20260704-100000.csv",
		"provider_only_20260704-100000.csv",
	} {
		path := filepath.Join(out, name)
		assert.FileExists(t, path)
		assert.Contains(t, stdout, "Wrote "+path)
	}

	data, err := os.ReadFile(filepath.Join(out, "internal_only_20260704-100000.csv"))
	require.NoError(t, err)
	assert.Equal(t, "transaction_reference,amount,status,customer\nB,20,open,Globex\n", string(data))

	data, err = os.ReadFile(filepath.Join(out, "provider_only_20260704-100000.csv"))
	require.NoError(t, err)
	assert.Equal(t, "transaction_reference,amount,status\nZ,1,paid\n", string(data))
}

func TestRun_ReportsBothSideErrors(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "in.csv", "id,amount\n1,2\n")
	pr := writeFile(t, dir, "pr.csv", "transaction_reference\n\"A\n")

	_, _, err := execute(t, "run", "--internal", in, "--provider", pr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal file")
	assert.Contains(t, err.Error(), "missing required columns: transaction_reference")
	assert.Contains(t, err.Error(), "provider file")
	assert.Contains(t, err.Error(), "parsing CSV")
}

func TestRun_MissingFile(t *testing.T) {
	_, _, pr := fixtures(t)
	_, _, err := execute(t, "run", "--internal", filepath.Join(t.TempDir(), "nope.csv"), "--provider", pr)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_RequiresFlags(t *testing.T) {
	_, _, err := execute(t, "run", "--internal", "x.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}

func TestRun_RejectDuplicates(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "in.csv", "transaction_reference,amount\nA,1\nA,2\n")
	pr := writeFile(t, dir, "pr.csv", "transaction_reference,amount\nA,1\n")

	_, _, err := execute(t, "run", "--internal", in, "--provider", pr)
	require.NoError(t, err, "last_wins by default")

	_, _, err = execute(t, "run", "--internal", in, "--provider", pr, "--reject-duplicates")
	var dre *reconcile.DuplicateReferenceError
	require.ErrorAs(t, err, &dre)
	assert.Equal(t, []string{"A"}, dre.References)
}

func TestRun_EmptyInput(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "in.csv", "transaction_reference,amount\n")
	pr := writeFile(t, dir, "pr.csv", providerCSV)

	_, _, err := execute(t, "run", "--internal", in, "--provider", pr)
	var eie *reconcile.EmptyInputError
	assert.ErrorAs(t, err, &eie)
}

func TestRun_Tolerance(t *testing.T) {
	_, in, pr := fixtures(t)

	stdout, _, err := execute(t, "run", "--internal", in, "--provider", pr, "--tolerance", "5")
	require.NoError(t, err)
	assert.NotContains(t, stdout, "Amount mismatches:")

	_, _, err = execute(t, "run", "--internal", in, "--provider", pr, "--tolerance", "-1")
	assert.Error(t, err)
}

func TestRun_Encoding(t *testing.T) {
	dir := t.TempDir()
	// "café" in ISO-8859-1.
	in := writeFile(t, dir, "in.csv", "transaction_reference,amount,memo\nA,1,caf\xe9\n")
	pr := writeFile(t, dir, "pr.csv", "transaction_reference,amount\nB,1\n")
	out := filepath.Join(dir, "out")
	fixNow(t, time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC))

	_, _, err := execute(t, "run", "--internal", in, "--provider", pr, "--encoding", "latin1", "--out", out)
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(out, "internal_only_20260704-100000.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "café")

	_, _, err = execute(t, "run", "--internal", in, "--provider", pr, "--encoding", "ebcdic")
	assert.Error(t, err)
}

func TestRun_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "in.csv", "transaction_reference;amount\nA;1\nA;2\n")
	pr := writeFile(t, dir, "pr.csv", "transaction_reference;amount\nA;1\n")

	cfg := config.Default()
	cfg.Reconcile.Duplicates = "reject"
	cfg.Import.Delimiter = ";"
	cfgPath := filepath.Join(dir, "custom.yaml")
	require.NoError(t, config.Save(cfgPath, cfg))

	_, _, err := execute(t, "run", "--config", cfgPath, "--internal", in, "--provider", pr)
	var dre *reconcile.DuplicateReferenceError
	assert.ErrorAs(t, err, &dre)

	_, _, err = execute(t, "run", "--config", filepath.Join(dir, "missing.yaml"), "--internal", in, "--provider", pr)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun_InvalidConfig(t *testing.T) {
	_, in, pr := fixtures(t)
	cfgPath := writeFile(t, t.TempDir(), "tally.yaml", "logging:\n  level: loud\n")

	_, _, err := execute(t, "run", "--config", cfgPath, "--internal", in, "--provider", pr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestRunAndHistory(t *testing.T) {
	dir, in, pr := fixtures(t)
	fixNow(t, time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC))
	logs := filepath.Join(dir, "logs")

	_, _, err := execute(t, "run", "--internal", in, "--provider", pr, "--history", logs)
	require.NoError(t, err)
	_, _, err = execute(t, "run", "--internal", in, "--provider", pr, "--history", logs)
	require.NoError(t, err)

	entries, err := runlog.Read(logs)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "internal.csv", entries[0].InternalFile)
	assert.Equal(t, 3, entries[0].Summary.Matched)

	stdout, _, err := execute(t, "history", logs, "--limit", "1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "MATCHED")
	assert.Contains(t, lines[1], "3/4")

	stdout, _, err = execute(t, "history", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "No runs recorded.\n", stdout)
}

func TestInit_WritesConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")

	stdout, _, err := execute(t, "init", dir)
	require.NoError(t, err)
	path := filepath.Join(dir, config.FileName)
	assert.Contains(t, stdout, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	_, _, err = execute(t, "init", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = execute(t, "init", dir, "--force")
	assert.NoError(t, err)
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "dev (commit: none")
}

func TestServe_StopsOnCancel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := executeContext(t, ctx, "serve", "--addr", "127.0.0.1:0", "--env-file", filepath.Join(t.TempDir(), "none.env"))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Duration(0), sweepInterval(0))
	assert.Equal(t, 10*time.Second, sweepInterval(10*time.Second))
	assert.Equal(t, time.Minute, sweepInterval(time.Hour))
}
