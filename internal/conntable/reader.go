// Package conntable reads the kernel's TCP/UDP connection tables.
package conntable

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

var (
	// ErrSourceUnavailable means a connection table could not be opened or parsed as a whole.
	ErrSourceUnavailable = errors.New("connection table unavailable")
	// ErrPartialRead marks rows that were skipped while the rest of the table was read.
	ErrPartialRead = errors.New("partial read")
)

// Reader produces one snapshot per call and keeps no state between calls.
type Reader interface {
	Read(ctx context.Context) (*Snapshot, error)
}

// Table binds a protocol to its file under <root>/net.
type Table struct {
	Proto Protocol
	File  string
	// Optional tables may be absent, e.g. tcp6 on hosts without IPv6.
	Optional bool
}

// DefaultTables lists every table the reader understands.
var DefaultTables = []Table{
	{Proto: TCP, File: "tcp"},
	{Proto: TCP6, File: "tcp6", Optional: true},
	{Proto: UDP, File: "udp", Optional: true},
	{Proto: UDP6, File: "udp6", Optional: true},
}

// RowError describes one skipped row.
type RowError struct {
	Table string
	Line  int
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s line %d: %v", e.Table, e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPartialRead) match any skipped row.
func (e *RowError) Is(target error) bool { return target == ErrPartialRead }

// ProcReader reads connection tables from a procfs mount.
type ProcReader struct {
	Root   string
	Tables []Table

	now func() time.Time
}

// NewProcReader returns a reader for all default tables under root ("/proc" if empty).
func NewProcReader(root string) *ProcReader {
	if root == "" {
		root = "/proc"
	}
	return &ProcReader{
		Root:   root,
		Tables: DefaultTables,
		now:    time.Now,
	}
}

// Read implements Reader.
func (r *ProcReader) Read(ctx context.Context) (*Snapshot, error) {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	snap := &Snapshot{
		Taken:   now(),
		Entries: make(map[Key]Entry),
	}
	var partial *multierror.Error
	for _, t := range r.Tables {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(ErrSourceUnavailable, err.Error())
		}
		rowErrs, err := r.readTable(ctx, t, snap)
		if err != nil {
			return nil, err
		}
		partial = multierror.Append(partial, rowErrs...)
	}
	snap.Partial = partial.ErrorOrNil()
	return snap, nil
}

func (r *ProcReader) readTable(ctx context.Context, t Table, snap *Snapshot) ([]error, error) {
	path := filepath.Join(r.Root, "net", t.File)
	f, err := os.Open(path)
	if err != nil {
		if t.Optional && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(ErrSourceUnavailable, "open %s: %v", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, errors.Wrapf(ErrSourceUnavailable, "read %s: %v", path, err)
		}
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s: empty table", path)
	}
	if err := checkHeader(scanner.Text()); err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%s: %v", path, err)
	}

	var rowErrs []error
	line := 1
	for scanner.Scan() {
		line++
		if line%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrap(ErrSourceUnavailable, err.Error())
			}
		}
		text := scanner.Text()
		if len(text) == 0 {
			continue
		}
		entry, err := parseRow(t.Proto, text)
		if err != nil {
			rowErrs = append(rowErrs, &RowError{Table: t.File, Line: line, Err: err})
			continue
		}
		// SO_REUSEPORT listeners share one identity; the first row wins
		if _, dup := snap.Entries[entry.Key]; dup {
			snap.Duplicates = append(snap.Duplicates, entry.Key)
			continue
		}
		snap.Entries[entry.Key] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "read %s: %v", path, err)
	}
	return rowErrs, nil
}
