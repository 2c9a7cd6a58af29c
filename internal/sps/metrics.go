package sps

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts scheduler activity. All fields are safe for concurrent use.
type Metrics struct {
	TxnsInitiated        prometheus.Counter
	FragmentsScheduled   prometheus.Counter
	ResponsesForwarded   prometheus.Counter
	ReplicatedWrites     prometheus.Counter
	TruncationBroadcasts prometheus.Counter
	HashMismatches       prometheus.Counter
	BufferedReads        prometheus.Gauge
	ReplayDuplicates     prometheus.Counter
}

// NewMetrics registers scheduler metrics with reg and returns them. A nil
// registerer yields unregistered but usable collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TxnsInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sps_txns_initiated_total",
			Help: "Single-partition transactions accepted by this scheduler.",
		}),
		FragmentsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sps_fragments_scheduled_total",
			Help: "Multi-partition fragments scheduled at this partition.",
		}),
		ResponsesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sps_responses_forwarded_total",
			Help: "Responses forwarded toward initiators and coordinators.",
		}),
		ReplicatedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sps_replicated_writes_total",
			Help: "Writes multicast to k-safety replicas.",
		}),
		TruncationBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sps_truncation_broadcasts_total",
			Help: "Dedicated repair-log truncation broadcasts sent.",
		}),
		HashMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sps_hash_mismatches_total",
			Help: "Replica determinism failures observed.",
		}),
		BufferedReads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sps_buffered_reads",
			Help: "SAFE reads currently held for the truncation point.",
		}),
		ReplayDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sps_replay_duplicates_total",
			Help: "Replay messages answered with an ignored-transaction response.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TxnsInitiated, m.FragmentsScheduled, m.ResponsesForwarded,
			m.ReplicatedWrites, m.TruncationBroadcasts, m.HashMismatches,
			m.BufferedReads, m.ReplayDuplicates)
	}
	return m
}
