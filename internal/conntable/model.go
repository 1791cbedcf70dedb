package conntable

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Protocol names one kernel connection table.
type Protocol string

const (
	TCP  Protocol = "tcp"
	TCP6 Protocol = "tcp6"
	UDP  Protocol = "udp"
	UDP6 Protocol = "udp6"
)

// ParseProtocol accepts the table names above, case-insensitively.
func ParseProtocol(raw string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(raw))); p {
	case TCP, TCP6, UDP, UDP6:
		return p, nil
	default:
		return "", fmt.Errorf("unknown protocol %q (allowed: tcp, tcp6, udp, udp6)", raw)
	}
}

// IsTCP reports whether the protocol is one of the TCP tables.
func (p Protocol) IsTCP() bool {
	return p == TCP || p == TCP6
}

// Key identifies one socket within a polling cycle.
type Key struct {
	Proto  Protocol
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// String renders the key as "<proto> <local> <remote>".
func (k Key) String() string {
	return string(k.Proto) + " " + k.Local.String() + " " + k.Remote.String()
}

// Less orders keys by protocol, then local, then remote endpoint.
func (k Key) Less(o Key) bool {
	if k.Proto != o.Proto {
		return k.Proto < o.Proto
	}
	if c := k.Local.Compare(o.Local); c != 0 {
		return c < 0
	}
	return k.Remote.Compare(o.Remote) < 0
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Fields(s)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}
	proto, err := ParseProtocol(parts[0])
	if err != nil {
		return Key{}, err
	}
	local, err := netip.ParseAddrPort(parts[1])
	if err != nil {
		return Key{}, fmt.Errorf("malformed local endpoint in key %q: %w", s, err)
	}
	remote, err := netip.ParseAddrPort(parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("malformed remote endpoint in key %q: %w", s, err)
	}
	return Key{Proto: proto, Local: local, Remote: remote}, nil
}

// Entry is one row of a snapshot.
type Entry struct {
	Key     Key
	State   string
	Inode   uint64
	UID     uint32
	TxQueue uint64
	RxQueue uint64
}

// Snapshot is one complete read of the connection tables.
type Snapshot struct {
	Taken   time.Time
	Entries map[Key]Entry

	// Partial aggregates rows that were skipped. Nil when every row parsed.
	Partial error
	// Duplicates lists identities seen more than once. Only the first row is kept.
	Duplicates []Key
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}
