package categories

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "categories.txt")

	input := []Category{
		{Name: "Work", Description: "project updates and meeting notes"},
		{Name: "Finance", Description: "bank statements and receipts"},
	}

	if err := Save(input, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !reflect.DeepEqual(got, input) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, input)
	}
}

func TestLoadMultilineDescription(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "categories.txt")
	content := "# preamble\n\nWork: project updates\nand meeting notes\n\nFinance: receipts\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cats, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cats) != 2 {
		t.Fatalf("expected 2 categories, got %d: %+v", len(cats), cats)
	}
	if cats[0].Description != "project updates and meeting notes" {
		t.Errorf("unexpected description: %q", cats[0].Description)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cats, err := Load("/nonexistent/categories.txt")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cats != nil {
		t.Errorf("expected nil categories, got %+v", cats)
	}
}

func TestIsNewEntryRejectsMultiWordName(t *testing.T) {
	if isNewEntry("Work Stuff: description") {
		t.Error("expected multi-word name to not be treated as a new entry")
	}
}

func TestDescriptionsPreservesAllNames(t *testing.T) {
	cats := []Category{{Name: "A", Description: "a"}, {Name: "B", Description: "b"}}
	m := Descriptions(cats)
	if len(m) != 2 || m["A"] != "a" || m["B"] != "b" {
		t.Errorf("unexpected descriptions map: %+v", m)
	}
}
