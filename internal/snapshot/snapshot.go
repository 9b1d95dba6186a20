// Package snapshot sequences one end-to-end run: register inputs, open the
// reader connection, attach every input under the shared transaction,
// stream each one's pages into the archive, and tear everything down in
// reverse order regardless of outcome. Every other package here is a
// component it drives.
package snapshot

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	direrr "github.com/tanglewood/dbsnap/core/errors"
	"github.com/tanglewood/dbsnap/internal/dbgateway"
	"github.com/tanglewood/dbsnap/internal/inputset"
	"github.com/tanglewood/dbsnap/internal/logging"
	"github.com/tanglewood/dbsnap/internal/ziparchive"
)

// Options configures one Run.
type Options struct {
	BusyTimeout time.Duration
}

// DefaultBusyTimeout is used when Options.BusyTimeout is zero.
const DefaultBusyTimeout = 30 * time.Second

// Progress receives per-input and end-of-run reporting. StderrProgress is
// the CLI's implementation; tests use a recording fake instead.
type Progress interface {
	Member(path string, uncompressedSize, compressedSize int64)
	Summary(inputCount int, totalUncompressed, totalCompressed int64, elapsed time.Duration)
}

// Run validates inputPaths, builds archivePath from a consistent snapshot
// of all of them, and reports progress through prog. On any failure it
// removes a partially written archive before returning.
func Run(ctx context.Context, archivePath string, inputPaths []string, prog Progress, opts Options) error {
	start := time.Now()
	busyTimeout := opts.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = DefaultBusyTimeout
	}

	inputs, err := inputset.Register(inputPaths)
	if err != nil {
		return err
	}
	if err := checkOutputCollision(archivePath, inputs); err != nil {
		return err
	}

	gw, err := dbgateway.Open(ctx, busyTimeout)
	if err != nil {
		return err
	}
	defer gw.Close()

	for _, in := range inputs {
		if err := gw.Attach(ctx, in); err != nil {
			return err
		}
	}
	if err := gw.Begin(ctx); err != nil {
		return err
	}
	// Rollback unconditionally: this gateway never writes, and holding the
	// reader lock past the archive's completion serves no purpose.
	defer gw.Rollback(ctx)

	zw, err := ziparchive.Create(archivePath)
	if err != nil {
		return err
	}

	var totalUncompressed, totalCompressed int64
	if err := packAll(ctx, gw, zw, inputs, prog, &totalUncompressed, &totalCompressed); err != nil {
		zw.Abort(archivePath)
		return err
	}

	if err := zw.Finish(); err != nil {
		os.Remove(archivePath)
		return err
	}

	if digest, err := digestFile(archivePath); err == nil {
		logging.Info("archive written", "path", archivePath, "blake3", digest, "inputs", len(inputs))
	}

	prog.Summary(len(inputs), totalUncompressed, totalCompressed, time.Since(start))
	return nil
}

// packAll streams every input's pages into zw in order, updating the
// running totals and reporting per-input progress as each finishes.
func packAll(ctx context.Context, gw *dbgateway.Gateway, zw *ziparchive.Writer, inputs []*inputset.Input, prog Progress, totalUncompressed, totalCompressed *int64) error {
	for _, in := range inputs {
		meta, err := gw.Metadata(ctx, in.Alias)
		if err != nil {
			return direrr.Wrapf(err, "input %q", in.Path)
		}

		mtime, err := dbgateway.EffectiveModTime(in.Path, meta.JournalMode)
		if err != nil {
			return err
		}
		dosDate, dosTime := inputset.DOSDateTime(mtime)
		uncompressedSize := uint64(meta.PageSize) * uint64(meta.PageCount)

		entry, err := zw.BeginEntry(in.Path, uncompressedSize, dosDate, dosTime, ziparchive.ExternalAttrs(in.ModeBits))
		if err != nil {
			return direrr.Wrapf(err, "input %q", in.Path)
		}

		pageIndex := 0
		count, err := gw.Pages(ctx, in.Alias, func(page []byte) error {
			if uint32(len(page)) != meta.PageSize {
				return direrr.NewValidation("page size", fmt.Sprintf("page %d is %d bytes, expected %d", pageIndex, len(page), meta.PageSize))
			}
			last := pageIndex+1 == int(meta.PageCount)
			pageIndex++
			return entry.WritePage(page, last)
		})
		if err != nil {
			return direrr.Wrapf(err, "input %q", in.Path)
		}
		if uint32(count) != meta.PageCount {
			return direrr.NewValidation("page count", fmt.Sprintf("input %q streamed %d pages, expected %d", in.Path, count, meta.PageCount))
		}

		if err := entry.Finish(); err != nil {
			return direrr.Wrapf(err, "input %q", in.Path)
		}

		compressedSize := int64(entry.CompressedSize())
		*totalUncompressed += int64(uncompressedSize)
		*totalCompressed += compressedSize
		prog.Member(in.Path, int64(uncompressedSize), compressedSize)
	}
	return nil
}

// checkOutputCollision rejects an archive path whose identity already
// matches one of the registered inputs. Both fields are compared, not
// assigned.
func checkOutputCollision(archivePath string, inputs []*inputset.Input) error {
	id, exists, err := inputset.IdentityOfPath(archivePath)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	for _, in := range inputs {
		if in.Identity.Equal(id) {
			return direrr.NewValidation("archive_path", fmt.Sprintf("%q is the same file as input %q", archivePath, in.Path))
		}
	}
	return nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StderrProgress reports member ratios and a final summary to an
// io.Writer, formatting byte counts with go-humanize.
type StderrProgress struct {
	W io.Writer
}

// NewStderrProgress returns a StderrProgress writing to os.Stderr.
func NewStderrProgress() *StderrProgress {
	return &StderrProgress{W: os.Stderr}
}

// Member prints the compression ratio and path for one finished input.
func (p *StderrProgress) Member(path string, uncompressedSize, compressedSize int64) {
	ratio := ratioOf(compressedSize, uncompressedSize)
	fmt.Fprintf(p.W, "%.4f  %s\n", ratio, path)
}

// Summary prints the input count, total byte counts, and elapsed time.
func (p *StderrProgress) Summary(inputCount int, totalUncompressed, totalCompressed int64, elapsed time.Duration) {
	ratio := ratioOf(totalCompressed, totalUncompressed)
	fmt.Fprintf(p.W, "%d input(s): %s -> %s (%.4f) in %s\n",
		inputCount,
		humanize.Bytes(uint64(totalUncompressed)),
		humanize.Bytes(uint64(totalCompressed)),
		ratio,
		elapsed.Round(time.Millisecond))
}

func ratioOf(compressed, uncompressed int64) float64 {
	if uncompressed == 0 {
		return 0
	}
	return float64(compressed) / float64(uncompressed)
}

// RecordingProgress accumulates calls for test assertions instead of
// printing them.
type RecordingProgress struct {
	Members       []MemberReport
	SummaryResult *SummaryReport
}

// MemberReport is one recorded Member call.
type MemberReport struct {
	Path                         string
	UncompressedSize, CompressedSize int64
}

// SummaryReport is the recorded Summary call.
type SummaryReport struct {
	InputCount                       int
	TotalUncompressed, TotalCompressed int64
	Elapsed                          time.Duration
}

func (r *RecordingProgress) Member(path string, uncompressedSize, compressedSize int64) {
	r.Members = append(r.Members, MemberReport{path, uncompressedSize, compressedSize})
}

func (r *RecordingProgress) Summary(inputCount int, totalUncompressed, totalCompressed int64, elapsed time.Duration) {
	r.SummaryResult = &SummaryReport{inputCount, totalUncompressed, totalCompressed, elapsed}
}
