package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/learning-bits-crawler/internal/progress"
)

// PrometheusSink tracks fetch latency and response classes per domain.
type PrometheusSink struct {
	fetches *prometheus.CounterVec
	latency *prometheus.HistogramVec
	yield   *prometheus.HistogramVec
}

// NewPrometheusSink registers the sink's collectors on reg, or the default
// registerer when reg is nil. Collectors already registered by an earlier
// sink are reused.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	fetches, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitcrawler_page_fetches_total",
		Help: "Page outcomes partitioned by domain, stage and status class.",
	}, []string{"domain", "stage", "status_class"}))
	if err != nil {
		return nil, err
	}
	latency, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bitcrawler_page_fetch_seconds",
		Help:    "Fetch latency of fetched pages, partitioned by domain and renderer.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"domain", "renderer"}))
	if err != nil {
		return nil, err
	}
	yield, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bitcrawler_page_bits_created",
		Help:    "New learning bits stored per fetched page.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	}, []string{"domain"}))
	if err != nil {
		return nil, err
	}
	return &PrometheusSink{fetches: fetches, latency: latency, yield: yield}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register progress collector: %w", err)
	}
	return c, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		class := string(evt.StatusClass)
		if class == "" {
			class = string(progress.StatusOther)
		}
		s.fetches.WithLabelValues(evt.Domain, string(evt.Stage), class).Inc()
		if evt.Stage != progress.StagePageFetched {
			continue
		}
		renderer := "static"
		if evt.Headless {
			renderer = "headless"
		}
		if evt.Latency > 0 {
			s.latency.WithLabelValues(evt.Domain, renderer).Observe(evt.Latency.Seconds())
		}
		s.yield.WithLabelValues(evt.Domain).Observe(float64(evt.BitsCreated))
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
