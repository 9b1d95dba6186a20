package snapshot

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tanglewood/dbsnap/core/sqlite"
)

func createTestDB(t *testing.T, path string, rows int) {
	t.Helper()
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create table in %s: %v", path, err)
	}
	for i := 0; i < rows; i++ {
		if _, err := db.Exec(`INSERT INTO t (v) VALUES (?)`, "row-value-padding-to-fill-a-page-a-bit-more"); err != nil {
			t.Fatalf("insert into %s: %v", path, err)
		}
	}
}

func TestRunProducesReadableArchive(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	createTestDB(t, "alpha.sqlite", 50)
	createTestDB(t, "beta.sqlite", 120)

	archivePath := filepath.Join(dir, "snapshot.zip")
	prog := &RecordingProgress{}

	err := Run(context.Background(), archivePath, []string{"alpha.sqlite", "beta.sqlite"}, prog, Options{
		BusyTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(prog.Members) != 2 {
		t.Fatalf("expected 2 member reports, got %d", len(prog.Members))
	}
	if prog.SummaryResult == nil || prog.SummaryResult.InputCount != 2 {
		t.Fatalf("expected a summary covering 2 inputs, got %+v", prog.SummaryResult)
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		t.Fatalf("archive/zip could not open the archive: %v", err)
	}
	defer zr.Close()

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open member %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read member %s: %v", f.Name, err)
		}
		if len(data) == 0 {
			t.Errorf("member %s has no payload", f.Name)
		}
	}
	if !names["alpha.sqlite"] || !names["beta.sqlite"] {
		t.Fatalf("expected both members present, got %v", names)
	}
}

func TestRunRejectsDuplicateInput(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	createTestDB(t, "only.sqlite", 10)

	archivePath := filepath.Join(dir, "snapshot.zip")
	err := Run(context.Background(), archivePath, []string{"only.sqlite", "only.sqlite"}, &RecordingProgress{}, Options{})
	if err == nil {
		t.Fatal("expected an error for a duplicated input path")
	}
	if _, statErr := os.Stat(archivePath); statErr == nil {
		t.Fatal("expected no archive to be left behind on failure")
	}
}

func TestRunLeavesNoArchiveOnMissingInput(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	archivePath := filepath.Join(dir, "snapshot.zip")

	err := Run(context.Background(), archivePath, []string{"nope.sqlite"}, &RecordingProgress{}, Options{})
	if err == nil {
		t.Fatal("expected an error for a missing input")
	}
	if _, statErr := os.Stat(archivePath); statErr == nil {
		t.Fatal("expected no archive to be left behind on failure")
	}
}
