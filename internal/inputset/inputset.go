// Package inputset validates the caller-supplied input paths and builds the
// per-input record the rest of the pipeline keys off of: path, device+inode
// identity, an internal ATTACH alias, and the DOS-format timestamp fields
// later folded into the ZIP local header. Identity resolution lives in
// identity_unix.go behind a unix build tag: device and inode numbers are a
// POSIX stat concept with no portable Go equivalent.
package inputset

import (
	"fmt"
	"os"
	"time"

	direrr "github.com/tanglewood/dbsnap/core/errors"
)

// MaxPathLen is the largest input path this tool accepts, spec-mandated.
const MaxPathLen = 65535

// Identity is the (device, inode) pair that uniquely names a regular file
// on a single host, used to reject duplicate inputs and an output path that
// collides with one of them.
type Identity struct {
	Dev uint64
	Ino uint64
}

// Equal reports whether two identities name the same file.
func (id Identity) Equal(other Identity) bool {
	return id.Dev == other.Dev && id.Ino == other.Ino
}

// Input is one registered, validated database path.
type Input struct {
	Path     string // caller-supplied relative path, as given
	Identity Identity
	Alias    string // "_" + six base-36 digits, e.g. "_00000a"
	ModeBits uint16 // low 16 bits of the file's mode
}

// aliasAlphabet is base-36: digits then lowercase letters.
const aliasAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
const aliasDigits = 6

// Alias derives the six-base-36-digit, "_"-prefixed ATTACH identifier for
// input index idx. Digits are least-significant last, zero-padded. idx
// must fit in 36^6 (~2.1 billion); callers never register more than a
// handful of inputs in practice.
func Alias(idx int) string {
	var digits [aliasDigits]byte
	n := uint64(idx)
	for i := aliasDigits - 1; i >= 0; i-- {
		digits[i] = aliasAlphabet[n%36]
		n /= 36
	}
	return "_" + string(digits[:])
}

// Register validates each path in order and returns one Input per path,
// with Alias derived from its position. It rejects absolute, empty, or
// over-65535-byte paths, requires each to stat as a regular file, and
// rejects any path whose identity duplicates an earlier one.
func Register(paths []string) ([]*Input, error) {
	if len(paths) == 0 {
		return nil, direrr.NewValidation("paths", "at least one input is required")
	}

	inputs := make([]*Input, 0, len(paths))
	seen := make(map[Identity]string, len(paths))

	for idx, path := range paths {
		in, err := registerOne(path, idx)
		if err != nil {
			return nil, err
		}
		if prior, ok := seen[in.Identity]; ok {
			return nil, direrr.NewValidation("path", fmt.Sprintf("%q is the same file as %q", path, prior))
		}
		seen[in.Identity] = path
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func registerOne(path string, idx int) (*Input, error) {
	if path == "" {
		return nil, direrr.NewValidation("path", "empty path")
	}
	if len(path) > MaxPathLen {
		return nil, direrr.NewValidation("path", fmt.Sprintf("exceeds %d bytes", MaxPathLen))
	}
	if isAbsolute(path) {
		return nil, direrr.NewValidation("path", fmt.Sprintf("%q must be relative", path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, direrr.NewIO("stat", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, direrr.NewValidation("path", fmt.Sprintf("%q is not a regular file", path))
	}

	id, err := identityOf(info)
	if err != nil {
		return nil, direrr.Wrapf(err, "stat identity for %q", path)
	}
	modeBits, err := rawModeBits(info)
	if err != nil {
		return nil, direrr.Wrapf(err, "stat mode for %q", path)
	}

	return &Input{
		Path:     path,
		Identity: id,
		Alias:    Alias(idx),
		ModeBits: modeBits,
	}, nil
}

// isAbsolute reports whether path is rooted, checked as a raw byte rather
// than through the host filepath separator convention.
func isAbsolute(path string) bool {
	return len(path) > 0 && path[0] == '/'
}

// IdentityOfPath stats path and returns its identity, used to check whether
// the archive's own output path collides with a registered input.
func IdentityOfPath(path string) (Identity, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Identity{}, false, nil
		}
		return Identity{}, false, direrr.NewIO("stat", path, err)
	}
	id, err := identityOf(info)
	if err != nil {
		return Identity{}, false, err
	}
	return id, true, nil
}

// DOSDateTime packs t, in local time, into the legacy two-word ZIP
// timestamp: date has year-1980 in bits 9-15, month in bits 5-8, day in
// bits 0-4; time has hour in bits 11-15, minute in bits 5-10, second/2 in
// bits 0-4. Resolution is 2 seconds.
func DOSDateTime(t time.Time) (date uint16, timeField uint16) {
	t = t.Local()
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	date = uint16((year-1980)<<9) | uint16(t.Month())<<5 | uint16(t.Day())
	timeField = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, timeField
}
