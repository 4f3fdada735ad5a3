package unit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateUnitIDGeneratesAndPersists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	id, err := LoadOrCreateUnitID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateUnitID: %v", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("generated ID %q is not a UUID: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("UUID version = %d, want 7", parsed.Version())
	}

	data, err := os.ReadFile(filepath.Join(dir, "unit_id"))
	if err != nil {
		t.Fatalf("read persisted ID: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("persisted ID = %q, want %q", got, id)
	}
}

func TestLoadOrCreateUnitIDIsStable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := LoadOrCreateUnitID(dir)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := LoadOrCreateUnitID(dir)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first != second {
		t.Errorf("ID changed across calls: %q then %q", first, second)
	}
}

func TestLoadOrCreateUnitIDHonorsExistingFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "unit_id"), []byte("desk-lab-7\n"), 0644); err != nil {
		t.Fatalf("seed unit_id: %v", err)
	}

	id, err := LoadOrCreateUnitID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateUnitID: %v", err)
	}
	if id != "desk-lab-7" {
		t.Errorf("ID = %q, want the seeded desk-lab-7", id)
	}
}

func TestLoadOrCreateUnitIDRegeneratesEmptyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "unit_id"), []byte("  \n"), 0644); err != nil {
		t.Fatalf("seed unit_id: %v", err)
	}

	id, err := LoadOrCreateUnitID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateUnitID: %v", err)
	}
	if id == "" {
		t.Fatal("ID is empty, want a generated UUID")
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("regenerated ID %q is not a UUID: %v", id, err)
	}
}

func TestLoadOrCreateUnitIDMissingDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "does-not-exist")

	if _, err := LoadOrCreateUnitID(dir); err == nil {
		t.Fatal("LoadOrCreateUnitID into a missing directory succeeded, want error")
	}
}
