// Package metrics exposes Prometheus metrics for the order lifecycle. Event
// counters feed off the event bus; state gauges are recomputed from the
// store on scrape so they survive restarts.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gregpriday/go-work-manager/pkg/events"
	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

// Collector registers and updates all work manager metrics
type Collector struct {
	registry *prometheus.Registry
	store    store.Store

	eventsTotal    *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	reclaimsTotal  prometheus.Counter
	partsTotal     *prometheus.CounterVec
	ordersByState  *prometheus.GaugeVec
	itemsByState   *prometheus.GaugeVec
	activeLeases   prometheus.Gauge
	applyFailures  prometheus.Counter
}

// NewCollector builds a collector with its own registry
func NewCollector(st store.Store) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		store:    st,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workmanager_events_total",
			Help: "Audit events published, by event type",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workmanager_transitions_total",
			Help: "State transitions applied, by entity kind and target state",
		}, []string{"entity", "to"}),
		reclaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workmanager_lease_reclaims_total",
			Help: "Expired leases recovered by the reclaim sweep",
		}),
		partsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workmanager_parts_submitted_total",
			Help: "Parts submitted, by validation status",
		}, []string{"status"}),
		ordersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workmanager_orders",
			Help: "Orders currently in each state",
		}, []string{"state"}),
		itemsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workmanager_items",
			Help: "Items currently in each state",
		}, []string{"state"}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workmanager_active_leases",
			Help: "Items currently held under an active lease",
		}),
		applyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workmanager_apply_failures_total",
			Help: "Domain apply invocations that returned an error",
		}),
	}
	c.registry.MustRegister(
		c.eventsTotal, c.transitions, c.reclaimsTotal, c.partsTotal,
		c.ordersByState, c.itemsByState, c.activeLeases, c.applyFailures,
	)
	return c
}

// Observe subscribes the collector to the event bus
func (c *Collector) Observe(bus *events.Bus) {
	bus.Subscribe(c.record)
}

func (c *Collector) record(ev models.Event) {
	c.eventsTotal.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case models.EventItemReclaimed:
		c.reclaimsTotal.Inc()
	case models.EventPartSubmitted:
		status := "unknown"
		if s, ok := ev.Payload["status"].(string); ok {
			status = s
		}
		c.partsTotal.WithLabelValues(status).Inc()
	}

	entity := "order"
	if ev.ItemID != "" {
		entity = "item"
	}
	if to, ok := ev.Payload["to"].(string); ok {
		c.transitions.WithLabelValues(entity, to).Inc()
		if entity == "order" && to == string(models.OrderStateFailed) && strings.Contains(ev.Message, "apply failed") {
			c.applyFailures.Inc()
		}
	}
}

// refresh recomputes the state gauges from the store
func (c *Collector) refresh() {
	orders, err := c.store.ListOrders(store.OrderFilter{})
	if err == nil {
		c.ordersByState.Reset()
		for _, state := range models.OrderStates() {
			c.ordersByState.WithLabelValues(state).Set(0)
		}
		for _, order := range orders {
			c.ordersByState.WithLabelValues(string(order.State)).Inc()
		}
	}

	items, err := c.store.ListItems(store.ItemFilter{})
	if err != nil {
		return
	}
	c.itemsByState.Reset()
	for _, state := range models.ItemStates() {
		c.itemsByState.WithLabelValues(state).Set(0)
	}
	held := 0
	for _, item := range items {
		c.itemsByState.WithLabelValues(string(item.State)).Inc()
		if item.HolderID != "" {
			held++
		}
	}
	c.activeLeases.Set(float64(held))
}

// Handler serves the metrics endpoint, refreshing gauges per scrape
func (c *Collector) Handler() http.Handler {
	inner := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.refresh()
		inner.ServeHTTP(w, r)
	})
}

// Registry exposes the underlying registry for additional collectors
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
