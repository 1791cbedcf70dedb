package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"tcpview/internal/conntable"
	"tcpview/internal/tracker"
)

func TestLogChanges(t *testing.T) {
	log, hook := test.NewNullLogger()
	k := conntable.Key{
		Proto:  conntable.UDP,
		Local:  netip.MustParseAddrPort("0.0.0.0:53"),
		Remote: netip.MustParseAddrPort("0.0.0.0:0"),
	}
	logChanges(log, tracker.Update{
		Seq:     3,
		Changes: tracker.Changes{Added: []conntable.Key{k}, Removed: []conntable.Key{k}},
	})

	entries := hook.AllEntries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Data["change"] != "added" || entries[1].Data["change"] != "removed" {
		t.Fatalf("unexpected change fields %v / %v", entries[0].Data, entries[1].Data)
	}
	if entries[0].Data["conn"] != k.String() || entries[0].Level != logrus.InfoLevel {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
}

func TestMetricsServerServesMetrics(t *testing.T) {
	srv := httptest.NewServer(metricsServer("").Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}
