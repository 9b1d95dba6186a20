package inputset

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAlias(t *testing.T) {
	tests := []struct {
		idx  int
		want string
	}{
		{0, "_000000"},
		{1, "_000001"},
		{35, "_00000z"},
		{36, "_000010"},
	}
	for _, tt := range tests {
		if got := Alias(tt.idx); got != tt.want {
			t.Errorf("Alias(%d) = %q, want %q", tt.idx, got, tt.want)
		}
	}
}

func TestAliasIsSevenBytes(t *testing.T) {
	for _, idx := range []int{0, 1, 12345} {
		if got := len(Alias(idx)); got != 7 {
			t.Errorf("len(Alias(%d)) = %d, want 7", idx, got)
		}
	}
}

func TestRegisterRejectsEmptyList(t *testing.T) {
	if _, err := Register(nil); err == nil {
		t.Fatal("expected error for empty input list")
	}
}

func TestRegisterRejectsAbsolutePath(t *testing.T) {
	if _, err := Register([]string{"/etc/passwd"}); err == nil {
		t.Fatal("expected error for absolute path")
	}
}

func TestRegisterRejectsEmptyPath(t *testing.T) {
	if _, err := Register([]string{""}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRegisterRejectsMissingFile(t *testing.T) {
	if _, err := Register([]string{"does-not-exist.sqlite"}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestRegisterRejectsNonRegularFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir("adir", 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Register([]string{"adir"}); err == nil {
		t.Fatal("expected error for directory input")
	}
}

func TestRegisterRejectsDuplicateIdentity(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("a.sqlite", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link("a.sqlite", "b.sqlite"); err != nil {
		t.Skipf("hard links unsupported here: %v", err)
	}
	if _, err := Register([]string{"a.sqlite", "b.sqlite"}); err == nil {
		t.Fatal("expected error for duplicate identity via hard link")
	}
}

func TestRegisterModeBitsIncludesFileType(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile("mode.sqlite", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	inputs, err := Register([]string{"mode.sqlite"})
	if err != nil {
		t.Fatal(err)
	}
	const sIFREG = 0o100000
	if inputs[0].ModeBits&sIFREG == 0 {
		t.Errorf("ModeBits = %#o, want the S_IFREG bit set", inputs[0].ModeBits)
	}
	if inputs[0].ModeBits&0o777 != 0o644 {
		t.Errorf("ModeBits permission part = %#o, want 0644", inputs[0].ModeBits&0o777)
	}
}

func TestRegisterAssignsSequentialAliases(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	names := []string{"one.sqlite", "two.sqlite", "three.sqlite"}
	for _, n := range names {
		if err := os.WriteFile(n, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	inputs, err := Register(names)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"_000000", "_000001", "_000002"}
	for i, in := range inputs {
		if in.Alias != want[i] {
			t.Errorf("inputs[%d].Alias = %q, want %q", i, in.Alias, want[i])
		}
	}
}

func TestIdentityOfPathMissing(t *testing.T) {
	dir := t.TempDir()
	_, exists, err := IdentityOfPath(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("expected exists=false for missing path")
	}
}

func TestDOSDateTimePacking(t *testing.T) {
	tm := time.Date(2024, time.March, 15, 13, 45, 30, 0, time.Local)
	date, timeField := DOSDateTime(tm)

	year := (date >> 9) + 1980
	month := (date >> 5) & 0x0F
	day := date & 0x1F
	if year != 2024 || month != 3 || day != 15 {
		t.Errorf("date fields = year %d month %d day %d", year, month, day)
	}

	hour := timeField >> 11
	minute := (timeField >> 5) & 0x3F
	second := (timeField & 0x1F) * 2
	if hour != 13 || minute != 45 || second != 30 {
		t.Errorf("time fields = hour %d minute %d second %d", hour, minute, second)
	}
}

func TestDOSDateTimeClampsPreEpoch(t *testing.T) {
	tm := time.Date(1970, time.January, 1, 0, 0, 0, 0, time.Local)
	date, _ := DOSDateTime(tm)
	year := (date >> 9) + 1980
	if year != 1980 {
		t.Errorf("expected pre-1980 timestamps clamped to 1980, got %d", year)
	}
}
