// Package metrics exposes mesh activity as Prometheus metrics. Values are
// read from their sources at scrape time, so nothing has to push updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kabili207/sosmesh-go/core/gossip"
	"github.com/kabili207/sosmesh-go/device/uplink"
)

const namespace = "sosmesh"

// MessageCounts summarizes the local store.
type MessageCounts struct {
	Total        int
	Acknowledged int
	Local        int
}

// Sources supplies the values behind the metrics. Nil sources are
// skipped.
type Sources struct {
	Gossip   func() gossip.CountersSnapshot
	Uplink   func() uplink.Stats
	Peers    func() int
	Messages func() (MessageCounts, error)
}

type counterDesc struct {
	desc *prometheus.Desc
	get  func(gossip.CountersSnapshot) uint64
}

// Collector implements prometheus.Collector over Sources.
type Collector struct {
	src Sources

	gossip   []counterDesc
	uplink   *prometheus.Desc
	peers    *prometheus.Desc
	messages *prometheus.Desc
	up       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector reading from src.
func NewCollector(src Sources) *Collector {
	g := func(name, help string, get func(gossip.CountersSnapshot) uint64) counterDesc {
		return counterDesc{
			desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "gossip", name), help, nil, nil),
			get:  get,
		}
	}
	return &Collector{
		src: src,
		gossip: []counterDesc{
			g("snapshots_observed_total", "Store snapshots observed by the gossip engine.",
				func(s gossip.CountersSnapshot) uint64 { return s.SnapshotsObserved }),
			g("snapshots_superseded_total", "Snapshots replaced by a newer one before dispatch finished.",
				func(s gossip.CountersSnapshot) uint64 { return s.SnapshotsSuperseded }),
			g("snapshots_unchanged_total", "Snapshots skipped because nothing changed.",
				func(s gossip.CountersSnapshot) uint64 { return s.SnapshotsUnchanged }),
			g("broadcasts_total", "Snapshots pushed to at least one peer.",
				func(s gossip.CountersSnapshot) uint64 { return s.BroadcastsDispatched }),
			g("batches_sent_total", "Batches delivered to a peer.",
				func(s gossip.CountersSnapshot) uint64 { return s.BatchesSent }),
			g("send_failures_total", "Batch sends that failed.",
				func(s gossip.CountersSnapshot) uint64 { return s.SendFailures }),
			g("eager_syncs_total", "Full-set pushes to newly connected peers.",
				func(s gossip.CountersSnapshot) uint64 { return s.EagerSyncs }),
			g("batches_received_total", "Batches received from peers.",
				func(s gossip.CountersSnapshot) uint64 { return s.BatchesReceived }),
			g("batches_duplicate_total", "Received batches identical to a recent one.",
				func(s gossip.CountersSnapshot) uint64 { return s.BatchesDuplicate }),
			g("batches_malformed_total", "Received batches that failed to decode.",
				func(s gossip.CountersSnapshot) uint64 { return s.BatchesMalformed }),
			g("records_inserted_total", "Messages learned from peers.",
				func(s gossip.CountersSnapshot) uint64 { return s.RecordsInserted }),
			g("records_duplicate_total", "Received messages already held.",
				func(s gossip.CountersSnapshot) uint64 { return s.RecordsDuplicate }),
			g("records_self_total", "Received copies of locally authored messages.",
				func(s gossip.CountersSnapshot) uint64 { return s.RecordsSelf }),
			g("records_invalid_total", "Received records that failed validation.",
				func(s gossip.CountersSnapshot) uint64 { return s.RecordsInvalid }),
			g("acks_merged_total", "Acknowledgements learned from peers.",
				func(s gossip.CountersSnapshot) uint64 { return s.AcksMerged }),
		},
		uplink: prometheus.NewDesc(prometheus.BuildFQName(namespace, "uplink", "requests_total"),
			"Webhook requests by result.", []string{"result"}, nil),
		peers: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connected_peers"),
			"Peers with an established connection.", nil, nil),
		messages: prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", "messages"),
			"Messages held in the local store.", []string{"kind"}, nil),
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "store", "up"),
			"Whether the last store read succeeded.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.gossip {
		ch <- d.desc
	}
	ch <- c.uplink
	ch <- c.peers
	ch <- c.messages
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Gossip != nil {
		snap := c.src.Gossip()
		for _, d := range c.gossip {
			ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(d.get(snap)))
		}
	}
	if c.src.Uplink != nil {
		st := c.src.Uplink()
		ch <- prometheus.MustNewConstMetric(c.uplink, prometheus.CounterValue, float64(st.Posted), "posted")
		ch <- prometheus.MustNewConstMetric(c.uplink, prometheus.CounterValue, float64(st.Failed), "failed")
		ch <- prometheus.MustNewConstMetric(c.uplink, prometheus.CounterValue, float64(st.Accepted), "accepted")
	}
	if c.src.Peers != nil {
		ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(c.src.Peers()))
	}
	if c.src.Messages != nil {
		counts, err := c.src.Messages()
		up := 1.0
		if err != nil {
			up = 0
		} else {
			ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(counts.Total), "total")
			ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(counts.Acknowledged), "acknowledged")
			ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(counts.Local), "local")
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up)
	}
}

// NewRegistry returns a registry with the collector plus the Go runtime
// and process collectors.
func NewRegistry(src Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}
