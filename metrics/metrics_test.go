package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNoop(t *testing.T) {
	var s Sink = OrNoop(nil)
	s.HeartbeatSent(true)
	s.FragmentRequest(OutcomeDenied)
	s.RespawnFinished(OutcomeSuccess, time.Second)
	s.PeersKnown(3)
}

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	if err != nil {
		t.Fatalf("NewPrometheus() error = %v", err)
	}

	p.HeartbeatSent(true)
	p.HeartbeatSent(true)
	p.HeartbeatSent(false)
	p.HeartbeatReceived()
	p.PeerFailed()
	p.FragmentRequest(OutcomeGranted)
	p.FragmentRequest(OutcomeDenied)
	p.FragmentRequest(OutcomeDenied)
	p.RespawnStarted()
	p.RespawnFinished(OutcomeSuccess, 2*time.Second)
	p.PeersKnown(4)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"heartbeats ok", p.heartbeats.WithLabelValues("ok"), 2},
		{"heartbeats failed", p.heartbeats.WithLabelValues("failed"), 1},
		{"heartbeats received", p.heartbeatsIn, 1},
		{"peer failures", p.peerFailures, 1},
		{"fragments denied", p.fragments.WithLabelValues(OutcomeDenied), 2},
		{"fragments granted", p.fragments.WithLabelValues(OutcomeGranted), 1},
		{"respawns started", p.respawnsStarted, 1},
		{"respawns success", p.respawns.WithLabelValues(OutcomeSuccess), 1},
		{"peers", p.peers, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("value = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPrometheus_DoubleRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheus(reg); err != nil {
		t.Fatalf("first NewPrometheus() error = %v", err)
	}
	if _, err := NewPrometheus(reg); err == nil {
		t.Error("second registration on the same registry should fail")
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, _ := NewPrometheus(reg)
	p.PeersKnown(2)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "reverie_peers_known 2") {
		t.Errorf("metrics output missing gauge:\n%s", body)
	}
}
