package storage

import (
	"os"
	"path/filepath"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestLoadMissingFile(t *testing.T) {
	store, err := NewStore(t.TempDir(), "missing.json")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	var d doc
	found, err := store.Load(&d)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if found {
		t.Error("expected found = false for missing file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "state.json")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Save(doc{Name: "alpha", Count: 3}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var d doc
	found, err := store.Load(&d)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !found {
		t.Fatal("expected found = true after Save")
	}
	if d.Name != "alpha" || d.Count != 3 {
		t.Errorf("unexpected document: %+v", d)
	}
}

func TestSaveOverwrites(t *testing.T) {
	store, err := NewStore(t.TempDir(), "state.json")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Save(doc{Name: "first"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(doc{Name: "second"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var d doc
	if _, err := store.Load(&d); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if d.Name != "second" {
		t.Errorf("expected second write to win, got %q", d.Name)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "state.json")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := store.Save(doc{Name: "x"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only state.json, got %v", names)
	}
}

func TestNewStoreCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	store, err := NewStore(dir, "state.json")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if err := store.Save(doc{Name: "x"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "state.json")); err != nil {
		t.Errorf("expected document under created dir: %v", err)
	}
}
