package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// RowCounter reports warehouse table sizes
type RowCounter interface {
	Counts(ctx context.Context) (map[string]int64, error)
}

// Collector serves Prometheus metrics: warehouse row counts read directly
// from the store, followed by everything in the registry
type Collector struct {
	store     RowCounter
	gatherer  prometheus.Gatherer
	startTime time.Time
}

// NewCollector creates a new metrics collector
func NewCollector(store RowCounter, gatherer prometheus.Gatherer) *Collector {
	return &Collector{
		store:     store,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
}

// ServeHTTP serves Prometheus-compatible metrics
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	w.Header().Set("Content-Type", string(format))

	fmt.Fprintf(w, "# HELP %s_uptime_seconds Time since the process started\n", namespace)
	fmt.Fprintf(w, "# TYPE %s_uptime_seconds gauge\n", namespace)
	fmt.Fprintf(w, "%s_uptime_seconds %d\n", namespace, int64(time.Since(c.startTime).Seconds()))

	if c.store != nil {
		counts, err := c.store.Counts(r.Context())
		if err == nil {
			fmt.Fprintf(w, "# HELP %s_rows Rows per warehouse table\n", namespace)
			fmt.Fprintf(w, "# TYPE %s_rows gauge\n", namespace)
			for _, table := range sortedKeys(counts) {
				fmt.Fprintf(w, "%s_rows{table=%q} %d\n", namespace, table, counts[table])
			}
		}
	}

	if c.gatherer == nil {
		return
	}
	families, err := c.gatherer.Gather()
	if err != nil {
		return
	}
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return
		}
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
