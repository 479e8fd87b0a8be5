// migrate-json-state-to-sqlite is the one-shot CLI named in spec.md §6:
// reads a JSON state snapshot (the same format store.Store.Save writes)
// and loads it into a SQLite-backed state_snapshots table, so an operator
// can move a single-process deployment from STATE_BACKEND=json onto
// STATE_BACKEND=sql without hand-writing SQL.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite"

	"github.com/swapforge/core/pkg/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type result struct {
	OK      bool                   `json:"ok"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func emit(w io.Writer, r result) {
	data, _ := json.Marshal(r)
	_, _ = fmt.Fprintln(w, string(data))
}

// run implements the migration. Exit codes:
//
//	0 = migrated successfully
//	1 = precondition failure (source file missing, or destination already has a snapshot and --force not set)
//	2 = usage error (bad or missing flags) or runtime error (I/O, decode, or database failure)
func run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate-json-state-to-sqlite", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		fromStateFile string
		toStateFile   string
		force         bool
		stateEncKey   string
	)
	cmd.StringVar(&fromStateFile, "from-state-file", "", "Path to the source JSON state file (REQUIRED)")
	cmd.StringVar(&toStateFile, "to-state-file", "", "Path to the destination SQLite database file (REQUIRED)")
	cmd.BoolVar(&force, "force", false, "Overwrite an existing snapshot already present at --to-state-file")
	cmd.StringVar(&stateEncKey, "state-encryption-key", "", "base64 32-byte key, if --from-state-file is encrypted at rest")

	if err := cmd.Parse(args); err != nil {
		emit(stderr, result{OK: false, Code: "validation_error", Message: err.Error()})
		return 2
	}
	if fromStateFile == "" || toStateFile == "" {
		emit(stderr, result{OK: false, Code: "validation_error", Message: "--from-state-file and --to-state-file are both required"})
		return 2
	}

	if _, err := os.Stat(fromStateFile); err != nil {
		emit(stderr, result{OK: false, Code: "not_found", Message: fmt.Sprintf("source state file %q does not exist", fromStateFile)})
		return 1
	}

	s := store.New()
	if err := s.LoadFromFile(fromStateFile, stateEncKey); err != nil {
		emit(stderr, result{OK: false, Code: "runtime_error", Message: fmt.Sprintf("reading %s: %v", fromStateFile, err)})
		return 2
	}

	db, err := sql.Open("sqlite", toStateFile)
	if err != nil {
		emit(stderr, result{OK: false, Code: "runtime_error", Message: fmt.Sprintf("opening %s: %v", toStateFile, err)})
		return 2
	}
	defer func() { _ = db.Close() }()

	dest, err := store.OpenSQLSnapshotStore(db, "sqlite")
	if err != nil {
		emit(stderr, result{OK: false, Code: "runtime_error", Message: fmt.Sprintf("migrating schema: %v", err)})
		return 2
	}

	ctx := context.Background()
	if _, ok, err := dest.Latest(ctx); err != nil {
		emit(stderr, result{OK: false, Code: "runtime_error", Message: fmt.Sprintf("checking destination: %v", err)})
		return 2
	} else if ok && !force {
		emit(stderr, result{
			OK:      false,
			Code:    "conflict",
			Message: fmt.Sprintf("%s already has a state snapshot; pass --force to overwrite", toStateFile),
		})
		return 1
	}

	schemaVersion := os.Getenv("SCHEMA_VERSION")
	snap := s.ToSnapshot(schemaVersion)
	if err := dest.Save(ctx, snap); err != nil {
		emit(stderr, result{OK: false, Code: "runtime_error", Message: fmt.Sprintf("writing snapshot: %v", err)})
		return 2
	}

	emit(stdout, result{
		OK: true,
		Details: map[string]interface{}{
			"from_state_file": fromStateFile,
			"to_state_file":   toStateFile,
			"intents":         len(snap.Intents),
			"proposals":       len(snap.Proposals),
			"timelines":       len(snap.Timelines),
			"receipts":        len(snap.Receipts),
			"vault_holdings":  len(snap.VaultHoldings),
			"delegations":     len(snap.Delegations),
			"journals":        len(snap.Journals),
		},
	})
	return 0
}
