// Package owner maps sockets to the processes that hold them.
package owner

import (
	"context"

	"tcpview/internal/conntable"
)

// Request asks for the owner of one socket.
type Request struct {
	Key   conntable.Key
	Inode uint64
}

// Reply describes the process holding a socket.
type Reply struct {
	PID     int
	Exe     string
	Cmdline []string
	User    string
}

// Resolver resolves a batch of requests. Keys without a match are absent
// from the result; that is not an error.
type Resolver interface {
	Resolve(ctx context.Context, reqs []Request) (map[conntable.Key]Reply, error)
}

// Local resolves ownership with the privileges of the current process. It
// only sees processes whose /proc/<pid>/fd the caller may read.
type Local struct {
	scanner *Scanner
}

// NewLocal wraps a scanner as a Resolver.
func NewLocal(s *Scanner) *Local {
	return &Local{scanner: s}
}

// Resolve implements Resolver.
func (l *Local) Resolve(ctx context.Context, reqs []Request) (map[conntable.Key]Reply, error) {
	return l.scanner.Resolve(ctx, reqs)
}
