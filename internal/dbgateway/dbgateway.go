// Package dbgateway owns the single reader connection the snapshot holds
// for the lifetime of the run: attaching each input under its alias,
// opening the shared read transaction, and running the fixed parameterized
// queries that describe each input and stream its pages. Built on
// core/sqlite's Open facade for driver selection and on SQLite's
// ATTACH plus table-valued-function pragma pattern.
package dbgateway

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	direrr "github.com/tanglewood/dbsnap/core/errors"
	"github.com/tanglewood/dbsnap/core/sqlite"
	"github.com/tanglewood/dbsnap/internal/inputset"
)

// Gateway holds the one physical connection the archiver uses for every
// attached input and the shared read transaction that pins a consistent
// view across all of them. ATTACH and BEGIN IMMEDIATE are connection-scoped
// in SQLite, so every statement after Open runs against the same *sql.Conn
// rather than whatever connection database/sql's pool hands out next.
type Gateway struct {
	db   *sql.DB
	conn *sql.Conn
	inTx bool
}

// Open creates the in-memory reader connection, with URI handling enabled
// by virtue of going through core/sqlite.Open, and sets a busy timeout long
// enough that lock contention with concurrent writers yields retries
// instead of SQLITE_BUSY failures.
func Open(ctx context.Context, busyTimeout time.Duration) (*Gateway, error) {
	db, err := sqlite.Open(":memory:")
	if err != nil {
		return nil, direrr.Wrap(err, "open reader connection")
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, direrr.Wrap(err, "acquire reader connection")
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds())); err != nil {
		conn.Close()
		db.Close()
		return nil, direrr.Wrap(err, "set busy_timeout")
	}
	return &Gateway{db: db, conn: conn}, nil
}

// Close releases the connection. Safe to call after an error partway
// through setup; safe to call twice.
func (g *Gateway) Close() error {
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}

// percentEncode applies the exact byte-escaping rule the attach URI needs:
// '%', '#', '?', any control byte <= 0x20, or any byte >= 0x7F.
func percentEncode(path string) string {
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '%' || c == '#' || c == '?' || c <= 0x20 || c >= 0x7F {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// attachURI builds the file: URI carrying the percent-encoded path and the
// read-only mode query parameter. The authority form is reachable only if
// the registry ever admitted an absolute path, which it does not.
func attachURI(path string) string {
	encoded := percentEncode(path)
	if strings.HasPrefix(path, "/") {
		return "file://" + encoded + "?mode=ro"
	}
	return "file:" + encoded + "?mode=ro"
}

// Attach prepares and executes "ATTACH DATABASE ?1 AS <alias>", with the
// alias inlined textually as an identifier (SQLite's ATTACH grammar gives
// no other way to name the schema) and the path bound as a parameter so it
// is never interpreted as SQL text.
func (g *Gateway) Attach(ctx context.Context, in *inputset.Input) error {
	stmt := fmt.Sprintf("ATTACH DATABASE ?1 AS %s", in.Alias)
	if _, err := g.conn.ExecContext(ctx, stmt, attachURI(in.Path)); err != nil {
		return direrr.Wrapf(err, "attach %q as %s", in.Path, in.Alias)
	}
	return nil
}

// Begin starts the shared read transaction with BEGIN IMMEDIATE, acquiring
// the reader lock across every attached input at once.
func (g *Gateway) Begin(ctx context.Context) error {
	if _, err := g.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return direrr.Wrap(err, "begin immediate")
	}
	g.inTx = true
	return nil
}

// Rollback ends the shared transaction without committing: this gateway
// never writes, so every run ends in rollback regardless of outcome. Safe
// to call once no transaction is open.
func (g *Gateway) Rollback(ctx context.Context) error {
	if !g.inTx {
		return nil
	}
	_, err := g.conn.ExecContext(ctx, "ROLLBACK")
	g.inTx = false
	if err != nil {
		return direrr.Wrap(err, "rollback")
	}
	return nil
}

// MetaInfo is one input's (page_size, page_count, journal_mode) triple.
type MetaInfo struct {
	PageSize    uint32
	PageCount   uint32
	JournalMode string
}

// MaxPageSize is the largest page size the archiver will stream; larger
// values indicate a database the page-streaming query cannot represent
// cleanly.
const MaxPageSize = 65536

// Metadata runs the three-way join over pragma_page_size, pragma_page_count
// and pragma_journal_mode, each schema-qualified with main. to resolve the
// table-valued function against the gateway's own schema rather than any
// table an attached input happens to define with a colliding name.
func (g *Gateway) Metadata(ctx context.Context, alias string) (MetaInfo, error) {
	const q = `
		SELECT s.page_size, c.page_count, j.journal_mode
		FROM main.pragma_page_size(?1) AS s,
		     main.pragma_page_count(?1) AS c,
		     main.pragma_journal_mode(?1) AS j`
	row := g.conn.QueryRowContext(ctx, q, alias)

	var info MetaInfo
	if err := row.Scan(&info.PageSize, &info.PageCount, &info.JournalMode); err != nil {
		return MetaInfo{}, direrr.Wrapf(err, "read metadata for %s", alias)
	}
	if info.PageSize > MaxPageSize {
		return MetaInfo{}, direrr.NewValidation("page_size", fmt.Sprintf("%d exceeds %d", info.PageSize, MaxPageSize))
	}
	return info, nil
}

// Pages streams "SELECT data FROM main.sqlite_dbpage(alias) ORDER BY pgno"
// and invokes fn once per row, in page order. It does not buffer the page
// stream: fn receives each blob as it is scanned.
func (g *Gateway) Pages(ctx context.Context, alias string, fn func(page []byte) error) (int, error) {
	const q = `SELECT data FROM main.sqlite_dbpage(?1) ORDER BY pgno`
	rows, err := g.conn.QueryContext(ctx, q, alias)
	if err != nil {
		return 0, direrr.Wrapf(err, "stream pages for %s", alias)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return count, direrr.Wrapf(err, "scan page %d for %s", count, alias)
		}
		if err := fn(data); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, direrr.Wrapf(err, "iterate pages for %s", alias)
	}
	return count, nil
}

// EffectiveModTime re-stats the live input after locks are held and
// returns the timestamp its DOS fields should derive from: the WAL
// sidecar's mtime when journalMode is "wal", the sidecar exists, and it is
// newer than the main file; the main file's mtime otherwise.
func EffectiveModTime(path, journalMode string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, direrr.NewIO("stat", path, err)
	}
	mtime := info.ModTime()

	if !strings.EqualFold(journalMode, "wal") {
		return mtime, nil
	}
	walInfo, err := os.Stat(path + "-wal")
	if err != nil {
		return mtime, nil // no sidecar: fall back to the main file
	}
	if walInfo.ModTime().After(mtime) {
		return walInfo.ModTime(), nil
	}
	return mtime, nil
}
