package metrics

import (
	"testing"
	"time"

	"aliquot-sync/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveJob(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	r := domain.NewResult()
	r.Success("ok")
	r.Fail("bad")
	r.Finish("track shipments")
	m.ObserveJob("track_shipments", time.Now(), r)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("track_shipments", "ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobItems.WithLabelValues("track_shipments", "errors")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.jobItems.WithLabelValues("track_shipments", "skipped")))
}

func TestTransitions(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ShipmentTransition(domain.ShipmentShipped)
	m.AliquotTransition(domain.AliquotRejected)
	m.AliquotTransition(domain.AliquotRejected)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("shipment", "SHIPPED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("aliquot", "REJECTED")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveJob("x", time.Now(), domain.NewResult())
		m.ShipmentTransition(domain.ShipmentReceived)
		m.AliquotTransition(domain.AliquotUsed)
	})
}
