package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reverie"

// Prometheus is a Sink backed by client_golang collectors.
type Prometheus struct {
	heartbeats      *prometheus.CounterVec
	heartbeatsIn    prometheus.Counter
	peerFailures    prometheus.Counter
	fragments       *prometheus.CounterVec
	respawnsStarted prometheus.Counter
	respawns        *prometheus.CounterVec
	respawnDuration prometheus.Histogram
	peers           prometheus.Gauge
}

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_sent_total",
				Help:      "Heartbeats sent, by result.",
			},
			[]string{"result"},
		),
		heartbeatsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Heartbeats accepted from peers.",
		}),
		peerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_failures_total",
			Help:      "Peers declared dead by heartbeat failure or liveness sweep.",
		}),
		fragments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fragment_requests_total",
				Help:      "Outbound fragment requests, by outcome.",
			},
			[]string{"outcome"},
		),
		respawnsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "respawns_started_total",
			Help:      "Vessel migrations started on this node.",
		}),
		respawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "respawns_finished_total",
				Help:      "Vessel migrations finished on this node, by outcome.",
			},
			[]string{"outcome"},
		),
		respawnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "respawn_duration_seconds",
			Help:      "Time from respawn start to completion or abandonment.",
			// 10ms .. ~20min
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 17),
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Peers currently tracked by the peer manager.",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.heartbeats, p.heartbeatsIn, p.peerFailures, p.fragments,
		p.respawnsStarted, p.respawns, p.respawnDuration, p.peers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) HeartbeatSent(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	p.heartbeats.WithLabelValues(result).Inc()
}

func (p *Prometheus) HeartbeatReceived() { p.heartbeatsIn.Inc() }

func (p *Prometheus) PeerFailed() { p.peerFailures.Inc() }

func (p *Prometheus) FragmentRequest(outcome string) {
	p.fragments.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) RespawnStarted() { p.respawnsStarted.Inc() }

func (p *Prometheus) RespawnFinished(outcome string, d time.Duration) {
	p.respawns.WithLabelValues(outcome).Inc()
	p.respawnDuration.Observe(d.Seconds())
}

func (p *Prometheus) PeersKnown(n int) { p.peers.Set(float64(n)) }

// Handler exposes /metrics for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
