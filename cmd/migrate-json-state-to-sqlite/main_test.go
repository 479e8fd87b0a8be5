package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/store"
)

func writeStateFile(t *testing.T, path string) {
	t.Helper()
	s := store.New()
	s.With(func(tx *store.Tx) {
		tx.PutIntent(model.SwapIntent{ID: "intent-1", Status: model.IntentActive})
	})
	if err := s.Save(path, "1.0.0", ""); err != nil {
		t.Fatalf("writing fixture state file: %v", err)
	}
}

func TestRun_MigratesFreshDestination(t *testing.T) {
	dir := t.TempDir()
	from := dir + "/state.json"
	to := dir + "/state.sqlite"
	writeStateFile(t, from)

	var stdout, stderr bytes.Buffer
	code := run([]string{"--from-state-file", from, "--to-state-file", to}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr=%s", code, stderr.String())
	}

	var r result
	if err := json.Unmarshal(stdout.Bytes(), &r); err != nil {
		t.Fatalf("decoding stdout: %v", err)
	}
	if !r.OK {
		t.Fatalf("expected ok=true, got %+v", r)
	}
	if r.Details["intents"].(float64) != 1 {
		t.Errorf("intents = %v, want 1", r.Details["intents"])
	}

	db, err := sql.Open("sqlite", to)
	if err != nil {
		t.Fatalf("reopening destination: %v", err)
	}
	defer db.Close()
	dest, err := store.OpenSQLSnapshotStore(db, "sqlite")
	if err != nil {
		t.Fatalf("opening snapshot store: %v", err)
	}
	snap, ok, err := dest.Latest(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected a saved snapshot, ok=%v err=%v", ok, err)
	}
	if _, found := snap.Intents["intent-1"]; !found {
		t.Errorf("migrated snapshot is missing intent-1")
	}
}

func TestRun_MissingSourceFileIsNotFound(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := run([]string{"--from-state-file", dir + "/missing.json", "--to-state-file", dir + "/out.sqlite"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	var r result
	if err := json.Unmarshal(stderr.Bytes(), &r); err != nil {
		t.Fatalf("decoding stderr: %v", err)
	}
	if r.OK || r.Code != "not_found" {
		t.Errorf("got %+v, want code=not_found", r)
	}
}

func TestRun_ExistingDestinationRequiresForce(t *testing.T) {
	dir := t.TempDir()
	from := dir + "/state.json"
	to := dir + "/state.sqlite"
	writeStateFile(t, from)

	var buf bytes.Buffer
	if code := run([]string{"--from-state-file", from, "--to-state-file", to}, &buf, &buf); code != 0 {
		t.Fatalf("first migration failed: %s", buf.String())
	}

	var stdout, stderr bytes.Buffer
	code := run([]string{"--from-state-file", from, "--to-state-file", to}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1 without --force", code)
	}

	var stdout2, stderr2 bytes.Buffer
	code = run([]string{"--from-state-file", from, "--to-state-file", to, "--force"}, &stdout2, &stderr2)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 with --force; stderr=%s", code, stderr2.String())
	}
}

func TestRun_MissingFlagsIsValidationError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	var r result
	if err := json.Unmarshal(stderr.Bytes(), &r); err != nil {
		t.Fatalf("decoding stderr: %v", err)
	}
	if r.OK || r.Code != "validation_error" {
		t.Errorf("got %+v, want code=validation_error", r)
	}
}
