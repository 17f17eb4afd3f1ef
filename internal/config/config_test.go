package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, validate(cfg))
}

func TestAtomicWriteThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtqueue.yaml")

	want := DispatcherConfig{
		SchemaVersion:    CurrentSchemaVersion,
		NumThreads:       4,
		MaxFrontierNodes: 8,
		DebugAssertions:  true,
		LogLevel:         "debug",
	}
	require.NoError(t, AtomicWrite(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtqueue.yaml")
	bad := DispatcherConfig{SchemaVersion: CurrentSchemaVersion + 1, NumThreads: 1}
	if err := AtomicWrite(path, bad); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load() to reject an unsupported schema_version")
	}
}

func TestLoadRejectsNegativeNumThreads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtqueue.yaml")
	bad := DispatcherConfig{SchemaVersion: CurrentSchemaVersion, NumThreads: -1}
	if err := AtomicWrite(path, bad); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load() to reject a negative num_threads")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected Load() to error on a missing file")
	}
}

func TestWatchConfigPicksUpChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dtqueue.yaml")

	initial := Default()
	if err := AtomicWrite(path, initial); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}

	w, err := WatchConfig(path)
	if err != nil {
		t.Fatalf("WatchConfig() error = %v", err)
	}
	defer w.Close()

	updated := Default()
	updated.NumThreads = 16
	if err := AtomicWrite(path, updated); err != nil {
		t.Fatalf("AtomicWrite() error = %v", err)
	}

	select {
	case cfg := <-w.Updates:
		if cfg.NumThreads != 16 {
			t.Fatalf("got NumThreads=%d, want 16", cfg.NumThreads)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a config update notification")
	}
}
