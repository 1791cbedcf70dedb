package main

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"tcpview/internal/app"
	"tcpview/internal/conntable"
	"tcpview/internal/tracker"
)

type stubController struct {
	refreshErr error
	namesErr   error
	records    []tracker.Record

	refreshed int
	named     int
	closed    int
	query     string
}

func (s *stubController) Start()                        {}
func (s *stubController) Done() <-chan struct{}         { return nil }
func (s *stubController) Err() error                    { return nil }
func (s *stubController) OnUpdate(func(tracker.Update)) {}
func (s *stubController) Mode() tracker.Mode            { return tracker.Mode{} }
func (s *stubController) SetPaused(bool)                {}
func (s *stubController) SetCapturing(bool)             {}
func (s *stubController) NamesActive() bool             { return s.named > 0 && s.namesErr == nil }

func (s *stubController) Records(query string) ([]tracker.Record, error) {
	s.query = query
	return s.records, nil
}

func (s *stubController) DeleteStale(...conntable.Key) (int, error) {
	panic("DeleteStale not implemented")
}

func (s *stubController) DeleteAllStale() (int, error) {
	panic("DeleteAllStale not implemented")
}

func (s *stubController) Export(string) error {
	panic("Export not implemented")
}

func (s *stubController) ResolveNames(context.Context) error {
	s.named++
	return s.namesErr
}

func (s *stubController) Refresh(context.Context) (tracker.Changes, error) {
	s.refreshed++
	return tracker.Changes{}, s.refreshErr
}

func (s *stubController) Close() error {
	s.closed++
	return nil
}

func withController(t *testing.T, stub controllerAPI) {
	t.Helper()
	origFactory := controllerFactory
	controllerFactory = func(app.Options) (controllerAPI, error) {
		return stub, nil
	}
	t.Cleanup(func() {
		controllerFactory = origFactory
	})
}

func withListFlags(t *testing.T, names bool, filter, proto, state string) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	oldNames, oldFilter, oldProto, oldState := listNames, listFilter, listProto, listState
	listNames, listFilter, listProto, listState = names, filter, proto, state

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	origOut, origErr := cmdList.OutOrStdout(), cmdList.ErrOrStderr()
	cmdList.SetOut(out)
	cmdList.SetErr(errOut)
	t.Cleanup(func() {
		listNames, listFilter, listProto, listState = oldNames, oldFilter, oldProto, oldState
		cmdList.SetOut(origOut)
		cmdList.SetErr(origErr)
	})
	return out, errOut
}

func sshRecord() tracker.Record {
	return tracker.Record{
		Entry: conntable.Entry{
			Key: conntable.Key{
				Proto:  conntable.TCP,
				Local:  netip.MustParseAddrPort("127.0.0.1:22"),
				Remote: netip.MustParseAddrPort("10.0.0.5:4444"),
			},
			State: "ESTABLISHED",
		},
		PID: 42,
		Exe: "sshd",
	}
}

func TestListPrintsTable(t *testing.T) {
	stub := &stubController{records: []tracker.Record{sshRecord()}}
	withController(t, stub)
	out, _ := withListFlags(t, false, "sshd", "tcp", "established")

	if err := cmdList.RunE(cmdList, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	if stub.refreshed != 1 {
		t.Fatalf("expected one refresh, got %d", stub.refreshed)
	}
	if stub.query != "proto:tcp state:established sshd" {
		t.Fatalf("unexpected query %q", stub.query)
	}
	got := out.String()
	for _, want := range []string{"Remote", "10.0.0.5:4444", "sshd", "42"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if stub.closed != 1 {
		t.Fatalf("controller should be closed, got %d", stub.closed)
	}
}

func TestListEmpty(t *testing.T) {
	withController(t, &stubController{})
	out, _ := withListFlags(t, false, "", "", "")

	if err := cmdList.RunE(cmdList, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	if got := out.String(); got != "No connections\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestListNamesDeniedStillLists(t *testing.T) {
	stub := &stubController{
		namesErr: errors.New("elevation denied"),
		records:  []tracker.Record{sshRecord()},
	}
	withController(t, stub)
	out, _ := withListFlags(t, true, "", "", "")

	if err := cmdList.RunE(cmdList, nil); err != nil {
		t.Fatalf("RunE error: %v", err)
	}
	if stub.named != 1 {
		t.Fatalf("expected one name resolution attempt, got %d", stub.named)
	}
	if !strings.Contains(out.String(), "10.0.0.5:4444") {
		t.Fatalf("records should still be listed:\n%s", out.String())
	}
}

func TestListRefreshError(t *testing.T) {
	expected := errors.New("source unavailable")
	withController(t, &stubController{refreshErr: expected})
	withListFlags(t, false, "", "", "")

	err := cmdList.RunE(cmdList, nil)
	if !errors.Is(err, expected) {
		t.Fatalf("expected error %v, got %v", expected, err)
	}
}

func TestListQuery(t *testing.T) {
	cases := map[string][3]string{
		"":                         {"", "", ""},
		"proto:udp,udp6":           {"", " udp,udp6 ", ""},
		"state:listen pid:1 stale": {"pid:1 stale", "", "listen"},
	}
	for want, in := range cases {
		if got := listQuery(in[0], in[1], in[2]); got != want {
			t.Fatalf("listQuery(%q) = %q, want %q", in, got, want)
		}
	}
}
