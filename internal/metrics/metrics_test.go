package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kabili207/sosmesh-go/core/gossip"
	"github.com/kabili207/sosmesh-go/device/uplink"
)

func TestCollector_Values(t *testing.T) {
	c := NewCollector(Sources{
		Gossip: func() gossip.CountersSnapshot {
			return gossip.CountersSnapshot{BatchesSent: 7, RecordsInserted: 3}
		},
		Uplink: func() uplink.Stats { return uplink.Stats{Posted: 4, Failed: 1, Accepted: 3} },
		Peers:  func() int { return 2 },
		Messages: func() (MessageCounts, error) {
			return MessageCounts{Total: 5, Acknowledged: 1, Local: 2}, nil
		},
	})

	expected := `
# HELP sosmesh_connected_peers Peers with an established connection.
# TYPE sosmesh_connected_peers gauge
sosmesh_connected_peers 2
# HELP sosmesh_gossip_batches_sent_total Batches delivered to a peer.
# TYPE sosmesh_gossip_batches_sent_total counter
sosmesh_gossip_batches_sent_total 7
# HELP sosmesh_gossip_records_inserted_total Messages learned from peers.
# TYPE sosmesh_gossip_records_inserted_total counter
sosmesh_gossip_records_inserted_total 3
# HELP sosmesh_store_messages Messages held in the local store.
# TYPE sosmesh_store_messages gauge
sosmesh_store_messages{kind="acknowledged"} 1
sosmesh_store_messages{kind="local"} 2
sosmesh_store_messages{kind="total"} 5
# HELP sosmesh_uplink_requests_total Webhook requests by result.
# TYPE sosmesh_uplink_requests_total counter
sosmesh_uplink_requests_total{result="accepted"} 3
sosmesh_uplink_requests_total{result="failed"} 1
sosmesh_uplink_requests_total{result="posted"} 4
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"sosmesh_connected_peers",
		"sosmesh_gossip_batches_sent_total",
		"sosmesh_gossip_records_inserted_total",
		"sosmesh_store_messages",
		"sosmesh_uplink_requests_total",
	)
	if err != nil {
		t.Error(err)
	}
}

func TestCollector_NilSourcesAndStoreError(t *testing.T) {
	c := NewCollector(Sources{
		Messages: func() (MessageCounts, error) { return MessageCounts{}, errors.New("closed") },
	})
	if n := testutil.CollectAndCount(c); n != 1 {
		t.Errorf("collected %d metrics, want only store_up", n)
	}
	if n := testutil.CollectAndCount(c, "sosmesh_store_up"); n != 1 {
		t.Errorf("store_up count = %d, want 1", n)
	}

	empty := NewCollector(Sources{})
	if n := testutil.CollectAndCount(empty); n != 0 {
		t.Errorf("collected %d metrics from no sources, want 0", n)
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(Sources{Peers: func() int { return 1 }})
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "sosmesh_connected_peers") || !strings.Contains(joined, "go_goroutines") {
		t.Errorf("families = %s", joined)
	}
}
