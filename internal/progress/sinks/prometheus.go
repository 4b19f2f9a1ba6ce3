package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/lead-enricher/internal/progress"
)

// PrometheusSink exports pipeline progress as Prometheus collectors.
type PrometheusSink struct {
	chunks         prometheus.Counter
	chunkItems     prometheus.Histogram
	items          *prometheus.CounterVec
	cacheHits      prometheus.Counter
	dnsFailures    prometheus.Counter
	fetchAttempts  *prometheus.CounterVec
	fetchBytes     *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	classifierCost prometheus.Counter
	classifyCalls  prometheus.Counter
	jobsCompleted  prometheus.Counter
}

// NewPrometheusSink registers the collectors against reg (the default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enricher_chunks_claimed_total",
			Help: "Chunks claimed by the controller loop.",
		}),
		chunkItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "enricher_chunk_items",
			Help:    "Items per claimed chunk.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 500},
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_items_total",
			Help: "Processed items partitioned by result.",
		}, []string{"result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enricher_domain_cache_hits_total",
			Help: "Items resolved from the domain cache.",
		}),
		dnsFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enricher_dns_failures_total",
			Help: "Domains that failed DNS resolution.",
		}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_fetch_attempts_total",
			Help: "Fetch attempts partitioned by provider, tier, and outcome.",
		}, []string{"provider", "tier", "outcome"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enricher_fetch_bytes_total",
			Help: "Bytes of accepted page content per provider.",
		}, []string{"provider"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enricher_fetch_duration_seconds",
			Help:    "Fetch attempt latency per provider.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"provider"}),
		classifierCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enricher_classifier_cost_usd_total",
			Help: "Accumulated classifier spend in USD.",
		}),
		classifyCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enricher_classifier_calls_total",
			Help: "Classifier calls made.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enricher_jobs_completed_total",
			Help: "Jobs that reached the completed state.",
		}),
	}
	for _, c := range []prometheus.Collector{
		s.chunks, s.chunkItems, s.items, s.cacheHits, s.dnsFailures,
		s.fetchAttempts, s.fetchBytes, s.fetchDuration,
		s.classifierCost, s.classifyCalls, s.jobsCompleted,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageChunkClaimed:
			s.chunks.Inc()
			s.chunkItems.Observe(float64(evt.Count))
		case progress.StageCacheHit:
			s.cacheHits.Inc()
		case progress.StageDNSFail:
			s.dnsFailures.Inc()
		case progress.StageFetchDone:
			s.fetchAttempts.WithLabelValues(evt.Provider, strconv.Itoa(evt.Tier), string(evt.Outcome)).Inc()
			if evt.Outcome == progress.OutcomeOK && evt.Bytes > 0 {
				s.fetchBytes.WithLabelValues(evt.Provider).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(evt.Provider).Observe(evt.Dur.Seconds())
			}
		case progress.StageClassifyDone:
			s.classifyCalls.Inc()
			if evt.Cost > 0 {
				s.classifierCost.Add(evt.Cost)
			}
		case progress.StageItemCompleted:
			s.items.WithLabelValues("completed").Inc()
		case progress.StageItemRetry:
			s.items.WithLabelValues("retry").Inc()
		case progress.StageItemFailed:
			s.items.WithLabelValues("failed").Inc()
		case progress.StageJobDone:
			s.jobsCompleted.Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
