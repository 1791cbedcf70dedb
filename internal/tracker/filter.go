package tracker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"tcpview/internal/conntable"
)

const maxTermLen = 64

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Protocols []conntable.Protocol
	States    []string
	PIDs      []int
	// Text words must all occur, case-insensitively, in the key, state, exe,
	// user or cmdline.
	Text       string
	StaleOnly  bool
	ActiveOnly bool
}

// ParseFilter builds a Filter from a query such as
//
//	proto:tcp,tcp6 state:listen pid:42 stale nginx
//
// Words without a prefix are joined into the text filter.
func ParseFilter(query string) (Filter, error) {
	var (
		f    Filter
		text []string
	)
	for _, tok := range strings.Fields(query) {
		name, value, hasPrefix := strings.Cut(tok, ":")
		switch {
		case hasPrefix && strings.EqualFold(name, "proto"):
			for _, v := range splitList(value) {
				p, err := conntable.ParseProtocol(strings.ToLower(v))
				if err != nil {
					return Filter{}, err
				}
				f.Protocols = append(f.Protocols, p)
			}
		case hasPrefix && strings.EqualFold(name, "state"):
			for _, v := range splitList(value) {
				s := strings.ToUpper(v)
				if !conntable.KnownState(s) {
					return Filter{}, fmt.Errorf("unknown state %q", v)
				}
				f.States = append(f.States, s)
			}
		case hasPrefix && strings.EqualFold(name, "pid"):
			for _, v := range splitList(value) {
				pid, err := strconv.Atoi(v)
				if err != nil || pid <= 0 {
					return Filter{}, fmt.Errorf("pid %q must be a positive integer", v)
				}
				f.PIDs = append(f.PIDs, pid)
			}
		case strings.EqualFold(tok, "stale"):
			f.StaleOnly = true
		case strings.EqualFold(tok, "active"):
			f.ActiveOnly = true
		default:
			term, err := normalizeTerm(tok)
			if err != nil {
				return Filter{}, err
			}
			text = append(text, term)
		}
	}
	if f.StaleOnly && f.ActiveOnly {
		return Filter{}, fmt.Errorf("stale and active are mutually exclusive")
	}
	f.Text = strings.Join(text, " ")
	return f, nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeTerm(raw string) (string, error) {
	term := strings.TrimSpace(raw)
	if len(term) > maxTermLen {
		return "", fmt.Errorf("filter term %q is too long (max %d characters)", term, maxTermLen)
	}
	for _, r := range term {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("filter term %q contains control character %q", term, r)
		}
	}
	return term, nil
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec Record) bool {
	if len(f.Protocols) > 0 && !contains(f.Protocols, rec.Key.Proto) {
		return false
	}
	if len(f.States) > 0 && !contains(f.States, rec.State) {
		return false
	}
	if len(f.PIDs) > 0 && !contains(f.PIDs, rec.PID) {
		return false
	}
	if f.StaleOnly && rec.Marker != PendingRemoval {
		return false
	}
	if f.ActiveOnly && rec.Marker != Active {
		return false
	}
	if f.Text == "" {
		return true
	}
	hay := strings.ToLower(strings.Join([]string{
		rec.Key.String(), rec.State, rec.Exe, rec.User, strings.Join(rec.Cmdline, " "),
	}, " "))
	for _, term := range strings.Fields(strings.ToLower(f.Text)) {
		if !strings.Contains(hay, term) {
			return false
		}
	}
	return true
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// List returns matching records sorted by protocol, local then remote endpoint.
func (e *Engine) List(f Filter) []Record {
	e.mu.Lock()
	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}
