package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/1aeo/exitmap-dns-health-deploy/supervisor"
)

// Metrics contains the prometheus metrics for campaigns
type Metrics struct {
	InstanceStates    *prometheus.CounterVec
	BootstrapAttempts *prometheus.CounterVec
	Transitions       *prometheus.CounterVec

	WaveDuration *prometheus.HistogramVec
	WaveRetries  *prometheus.CounterVec

	CampaignResults *prometheus.GaugeVec
	Campaigns       *prometheus.CounterVec
	LastCampaign    prometheus.Gauge
}

// NewMetrics creates and registers the campaign metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstanceStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnshealth_instance_terminal_total",
				Help: "Prober instances by terminal state",
			},
			[]string{"mode", "state"},
		),

		BootstrapAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnshealth_bootstrap_attempts_total",
				Help: "Bootstrap attempts by outcome",
			},
			[]string{"mode", "outcome"},
		),

		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnshealth_instance_transitions_total",
				Help: "Instance state transitions",
			},
			[]string{"from", "to"},
		),

		WaveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dnshealth_wave_duration_seconds",
				Help:    "Time spent running each wave",
				Buckets: prometheus.ExponentialBuckets(30, 2, 10),
			},
			[]string{"mode"},
		),

		WaveRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnshealth_wave_retries_total",
				Help: "Waves rerun because they produced no results",
			},
			[]string{"mode"},
		),

		CampaignResults: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dnshealth_campaign_results",
				Help: "Relays in the last report by status",
			},
			[]string{"status"},
		),

		Campaigns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dnshealth_campaigns_total",
				Help: "Campaigns by outcome",
			},
			[]string{"mode", "outcome"},
		),

		LastCampaign: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dnshealth_last_campaign_timestamp_seconds",
				Help: "Completion time of the last campaign that produced a report",
			},
		),
	}

	reg.MustRegister(
		m.InstanceStates,
		m.BootstrapAttempts,
		m.Transitions,
		m.WaveDuration,
		m.WaveRetries,
		m.CampaignResults,
		m.Campaigns,
		m.LastCampaign,
	)

	return m
}

// TrackTransition records an instance state change. m may be nil.
func (m *Metrics) TrackTransition(mode Mode, t supervisor.Transition) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(t.From.String(), t.To.String()).Inc()

	switch t.To {
	case supervisor.StateProbing:
		m.BootstrapAttempts.WithLabelValues(string(mode), "success").Inc()
	case supervisor.StateBootstrapFailed:
		m.BootstrapAttempts.WithLabelValues(string(mode), "failed").Inc()
	}
	if t.To.Terminal() {
		m.InstanceStates.WithLabelValues(string(mode), t.To.String()).Inc()
	}
}

// TrackReport sets the per status gauges from a report's counts.
func (m *Metrics) TrackReport(counts map[string]int) {
	if m == nil {
		return
	}
	m.CampaignResults.Reset()
	for status, n := range counts {
		m.CampaignResults.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) trackCampaign(mode Mode, outcome string) {
	if m == nil {
		return
	}
	m.Campaigns.WithLabelValues(string(mode), outcome).Inc()
	if outcome == "ok" {
		m.LastCampaign.SetToCurrentTime()
	}
}
