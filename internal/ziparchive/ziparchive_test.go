package ziparchive

import (
	"archive/zip"
	"bytes"
	"io"
	"path/filepath"
	"testing"
)

func writeSimpleEntry(t *testing.T, w *Writer, name string, pages [][]byte) {
	t.Helper()
	var total uint64
	for _, p := range pages {
		total += uint64(len(p))
	}
	entry, err := w.BeginEntry(name, total, 0x4321, 0x6789, ExternalAttrs(0o644))
	if err != nil {
		t.Fatalf("BeginEntry(%s): %v", name, err)
	}
	for i, p := range pages {
		if err := entry.WritePage(p, i == len(pages)-1); err != nil {
			t.Fatalf("WritePage(%s, %d): %v", name, i, err)
		}
	}
	if err := entry.Finish(); err != nil {
		t.Fatalf("Finish(%s): %v", name, err)
	}
}

func TestArchiveRoundTripsThroughStandardZipReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}

	members := map[string][]byte{
		"db.sqlite":        bytes.Repeat([]byte("A"), 4096*4),
		"nested/other.db":  append(bytes.Repeat([]byte("B"), 4096), bytes.Repeat([]byte("C"), 4096)...),
	}
	for name, data := range members {
		writeSimpleEntry(t, w, name, [][]byte{data})
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("archive/zip could not open the archive: %v", err)
	}
	defer zr.Close()

	if len(zr.File) != len(members) {
		t.Fatalf("got %d central directory entries, want %d", len(zr.File), len(members))
	}

	for _, f := range zr.File {
		want, ok := members[f.Name]
		if !ok {
			t.Fatalf("unexpected member %q", f.Name)
		}
		if f.Method != zip.Deflate {
			t.Errorf("%s: method = %d, want deflate", f.Name, f.Method)
		}
		if f.ExternalAttrs>>16 != 0o644 {
			t.Errorf("%s: external attrs = %o, want 0644", f.Name, f.ExternalAttrs>>16)
		}

		rc, err := f.Open()
		if err != nil {
			t.Fatalf("%s: Open: %v", f.Name, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("%s: ReadAll: %v", f.Name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: payload mismatch: got %d bytes, want %d", f.Name, len(got), len(want))
		}
	}
}

func TestBeginEntryReusesDeflatePipeAcrossEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort(path)

	writeSimpleEntry(t, w, "first.db", [][]byte{[]byte("first")})
	firstPipe := w.pipe
	if firstPipe == nil {
		t.Fatal("expected BeginEntry to create a deflate pipe")
	}

	writeSimpleEntry(t, w, "second.db", [][]byte{[]byte("second")})
	if w.pipe != firstPipe {
		t.Error("expected the second entry to reuse the writer's deflate pipe via Reset")
	}
}

func TestBeginEntryRejectsShortPageStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	w, err := Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort(path)

	entry, err := w.BeginEntry("short.db", 8192, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := entry.WritePage(bytes.Repeat([]byte("x"), 4096), true); err != nil {
		t.Fatal(err)
	}
	if err := entry.Finish(); err == nil {
		t.Fatal("expected Finish to reject a page stream shorter than the declared size")
	}
}

func TestPessimisticDeflateBoundExceedsInput(t *testing.T) {
	for _, n := range []uint64{0, 1, 65535, 65536, 1 << 20} {
		if got := pessimisticDeflateBound(n); got < n {
			t.Errorf("pessimisticDeflateBound(%d) = %d, should never be less than n", n, got)
		}
	}
}

func TestNeedsZip64Thresholds(t *testing.T) {
	if needsZip64(1024) {
		t.Error("small input should not require zip64")
	}
	if !needsZip64(localSizeLimit32 + 1) {
		t.Error("input exceeding the full 32-bit range must require zip64")
	}
}
