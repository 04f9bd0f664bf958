package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStats struct {
	depths map[string]int
	subs   int
}

func (f fakeStats) QueueDepths() map[string]int { return f.depths }
func (f fakeStats) BridgeSubscribers() int      { return f.subs }

func TestCollectorQueueDepth(t *testing.T) {
	c := NewCollector(nil, fakeStats{
		depths: map[string]int{"high_priority": 3, "default": 7},
		subs:   2,
	})

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)

	expected := `
# HELP pana_engine_queue_depth Jobs waiting in a priority class queue.
# TYPE pana_engine_queue_depth gauge
pana_engine_queue_depth{priority="default"} 7
pana_engine_queue_depth{priority="high_priority"} 3
# HELP pana_engine_bridge_subscribers_active Current number of event stream subscribers.
# TYPE pana_engine_bridge_subscribers_active gauge
pana_engine_bridge_subscribers_active 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"pana_engine_queue_depth", "pana_engine_bridge_subscribers_active"); err != nil {
		t.Error(err)
	}
}

func TestCollectorNilSources(t *testing.T) {
	c := NewCollector(nil, nil)
	if n := testutil.CollectAndCount(c); n != 4 {
		t.Errorf("collected %d metrics, want 4 zero gauges", n)
	}
}
