package netplay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ReplicaCollector exports the replica's prediction and transport counters
// as prometheus metrics. Register it with a prometheus.Registerer; Collect
// reads the live counters, there is no sampling loop to run.
type ReplicaCollector struct {
	replica *Replica

	// prediction
	rollbacks         *prometheus.Desc
	rollbackTicks     *prometheus.Desc
	snaps             *prometheus.Desc
	activeCorrections *prometheus.Desc

	// transport, per peer
	peers               *prometheus.Desc
	reliableResends     *prometheus.Desc
	reliableBytesSent   *prometheus.Desc
	reliableUnacked     *prometheus.Desc
	unreliableBytesSent *prometheus.Desc
}

func NewReplicaCollector(r *Replica) *ReplicaCollector {
	return &ReplicaCollector{
		replica: r,

		rollbacks: prometheus.NewDesc(
			"netplay_rollbacks_total",
			"Total number of rollback replays performed",
			nil, nil,
		),
		rollbackTicks: prometheus.NewDesc(
			"netplay_rollback_ticks_total",
			"Total number of simulation ticks re-run by rollback replays",
			nil, nil,
		),
		snaps: prometheus.NewDesc(
			"netplay_snaps_total",
			"Total number of divergences beyond the rollback window resolved by snapping",
			nil, nil,
		),
		activeCorrections: prometheus.NewDesc(
			"netplay_active_corrections",
			"Number of visual corrections currently blending",
			nil, nil,
		),

		peers: prometheus.NewDesc(
			"netplay_peers",
			"Number of connected peers",
			nil, nil,
		),
		reliableResends: prometheus.NewDesc(
			"netplay_reliable_resends_total",
			"Total number of reliable message resends",
			[]string{"peer"}, nil,
		),
		reliableBytesSent: prometheus.NewDesc(
			"netplay_reliable_bytes_sent_total",
			"Total bytes sent on the reliable channel, resends included",
			[]string{"peer"}, nil,
		),
		reliableUnacked: prometheus.NewDesc(
			"netplay_reliable_unacked",
			"Number of reliable messages awaiting acknowledgement",
			[]string{"peer"}, nil,
		),
		unreliableBytesSent: prometheus.NewDesc(
			"netplay_unreliable_bytes_sent_total",
			"Total bytes sent on the unreliable channel",
			[]string{"peer"}, nil,
		),
	}
}

func (rc *ReplicaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- rc.rollbacks
	ch <- rc.rollbackTicks
	ch <- rc.snaps
	ch <- rc.activeCorrections

	ch <- rc.peers
	ch <- rc.reliableResends
	ch <- rc.reliableBytesSent
	ch <- rc.reliableUnacked
	ch <- rc.unreliableBytesSent
}

func (rc *ReplicaCollector) Collect(ch chan<- prometheus.Metric) {
	rollbacks, rollbackTicks, snaps := rc.replica.engine.Stats()

	ch <- prometheus.MustNewConstMetric(
		rc.rollbacks,
		prometheus.CounterValue,
		float64(rollbacks),
	)
	ch <- prometheus.MustNewConstMetric(
		rc.rollbackTicks,
		prometheus.CounterValue,
		float64(rollbackTicks),
	)
	ch <- prometheus.MustNewConstMetric(
		rc.snaps,
		prometheus.CounterValue,
		float64(snaps),
	)
	ch <- prometheus.MustNewConstMetric(
		rc.activeCorrections,
		prometheus.GaugeValue,
		float64(rc.replica.engine.ActiveCorrections()),
	)

	rc.replica.plock.Lock()
	peers := make([]*peer, 0, len(rc.replica.peers))
	for _, p := range rc.replica.peers {
		peers = append(peers, p)
	}
	rc.replica.plock.Unlock()

	ch <- prometheus.MustNewConstMetric(
		rc.peers,
		prometheus.GaugeValue,
		float64(len(peers)),
	)
	for _, p := range peers {
		resends, bytesSent := p.reliable.Stats()
		ch <- prometheus.MustNewConstMetric(
			rc.reliableResends,
			prometheus.CounterValue,
			float64(resends),
			p.name,
		)
		ch <- prometheus.MustNewConstMetric(
			rc.reliableBytesSent,
			prometheus.CounterValue,
			float64(bytesSent),
			p.name,
		)
		ch <- prometheus.MustNewConstMetric(
			rc.reliableUnacked,
			prometheus.GaugeValue,
			float64(p.reliable.Unacked()),
			p.name,
		)
		ch <- prometheus.MustNewConstMetric(
			rc.unreliableBytesSent,
			prometheus.CounterValue,
			float64(p.unreliable.BytesSent()),
			p.name,
		)
	}
}
