package tracker

import (
	"slices"
	"sort"
	"time"

	"tcpview/internal/conntable"
	"tcpview/internal/owner"
)

// Marker is the lifecycle state of a record.
type Marker int

const (
	// Active records were present in the latest snapshot.
	Active Marker = iota
	// PendingRemoval records vanished while capturing and are kept as stale rows.
	PendingRemoval
	// Removed records have been pruned. They never stay in the mapping and
	// only appear in Changes.Removed.
	Removed
)

func (m Marker) String() string {
	switch m {
	case Active:
		return "active"
	case PendingRemoval:
		return "stale"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Record is one tracked connection. It is immutable outside engine methods.
type Record struct {
	conntable.Entry
	PID       int
	Exe       string
	Cmdline   []string
	User      string
	Marker    Marker
	FirstSeen time.Time
	LastSeen  time.Time
}

// HasOwner reports whether the owning process is known.
func (r Record) HasOwner() bool {
	return r.PID > 0
}

func (r *Record) setOwner(o owner.Reply) {
	r.PID = o.PID
	r.Exe = o.Exe
	r.Cmdline = o.Cmdline
	r.User = o.User
}

func (r *Record) clearOwner() {
	r.setOwner(owner.Reply{})
}

func (r Record) equal(o Record) bool {
	return r.Entry == o.Entry &&
		r.PID == o.PID &&
		r.Exe == o.Exe &&
		r.User == o.User &&
		slices.Equal(r.Cmdline, o.Cmdline) &&
		r.Marker == o.Marker
}

// Mode holds the two consumer-controlled switches.
type Mode struct {
	Paused    bool `json:"paused"`
	Capturing bool `json:"capturing"`
}

// Changes lists the keys touched by one tick.
type Changes struct {
	Added   []conntable.Key
	Updated []conntable.Key
	Stale   []conntable.Key
	Removed []conntable.Key
}

// Empty reports whether the tick changed nothing.
func (c Changes) Empty() bool {
	return c.Len() == 0
}

// Len returns the number of touched keys.
func (c Changes) Len() int {
	return len(c.Added) + len(c.Updated) + len(c.Stale) + len(c.Removed)
}

func (c *Changes) sort() {
	for _, ks := range [][]conntable.Key{c.Added, c.Updated, c.Stale, c.Removed} {
		sort.Slice(ks, func(i, j int) bool { return ks[i].Less(ks[j]) })
	}
}

// Update is delivered to the registered callback after a tick with changes.
type Update struct {
	Seq     uint64
	At      time.Time
	Changes Changes
}
