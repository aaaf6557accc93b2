package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Proxy checking metrics
	checksTotal   *prometheus.CounterVec
	checkDuration prometheus.Histogram
	probeAttempts *prometheus.CounterVec

	// Inventory
	activeProxies   prometheus.Gauge
	inactiveProxies prometheus.Gauge

	// Crawl metrics
	crawlJobs        *prometheus.CounterVec
	pollAttempts     prometheus.Counter
	candidatesParsed *prometheus.CounterVec
	parseErrors      *prometheus.CounterVec

	// Storage metrics
	mergedRows  *prometheus.CounterVec
	deletedRows prometheus.Counter
	mergeErrors prometheus.Counter

	// Workflow metrics
	workflowRuns     *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers every metric on reg. Passing nil uses the default
// registerer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		checksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_total",
				Help:      "Total number of proxy checks",
			},
			[]string{"result"},
		),
		checkDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Latency through working proxies in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		probeAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_attempts_total",
				Help:      "Protocol attempts made while probing proxies",
			},
			[]string{"protocol", "result"},
		),
		activeProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_proxies",
				Help:      "Active proxies in the inventory",
			},
		),
		inactiveProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inactive_proxies",
				Help:      "Inactive proxies in the inventory",
			},
		),
		crawlJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawl_jobs_total",
				Help:      "Crawl jobs by spider and outcome",
			},
			[]string{"spider", "status"},
		),
		pollAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crawl_poll_attempts_total",
				Help:      "Job status queries made against the crawl service",
			},
		),
		candidatesParsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_parsed_total",
				Help:      "Candidates read from crawl job output",
			},
			[]string{"spider"},
		),
		parseErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidate_parse_errors_total",
				Help:      "Malformed lines dropped from crawl job output",
			},
			[]string{"spider"},
		),
		mergedRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merged_rows_total",
				Help:      "Rows upserted into the store",
			},
			[]string{"mode"},
		),
		deletedRows: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deleted_rows_total",
				Help:      "Rows removed by cleanup",
			},
		),
		mergeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_errors_total",
				Help:      "Batches whose merge failed",
			},
		),
		workflowRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_runs_total",
				Help:      "Workflow runs by name and outcome",
			},
			[]string{"workflow", "status"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Workflow duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"workflow"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordCheckSuccess() {
	c.checksTotal.WithLabelValues("success").Inc()
}

func (c *Collector) RecordCheckFailure() {
	c.checksTotal.WithLabelValues("failure").Inc()
}

func (c *Collector) RecordCheckSkipped() {
	c.checksTotal.WithLabelValues("skipped").Inc()
}

func (c *Collector) RecordCheckDuration(seconds float64) {
	c.checkDuration.Observe(seconds)
}

func (c *Collector) RecordProbeAttempt(protocol string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	c.probeAttempts.WithLabelValues(protocol, result).Inc()
}

func (c *Collector) SetInventory(active, inactive int) {
	c.activeProxies.Set(float64(active))
	c.inactiveProxies.Set(float64(inactive))
}

func (c *Collector) RecordCrawlJob(spider, status string) {
	c.crawlJobs.WithLabelValues(spider, status).Inc()
}

func (c *Collector) RecordPollAttempt() {
	c.pollAttempts.Inc()
}

func (c *Collector) RecordCandidatesParsed(spider string, count int) {
	c.candidatesParsed.WithLabelValues(spider).Add(float64(count))
}

func (c *Collector) RecordParseErrors(spider string, count int) {
	c.parseErrors.WithLabelValues(spider).Add(float64(count))
}

func (c *Collector) RecordMerged(isCreate bool, count int) {
	mode := "recheck"
	if isCreate {
		mode = "create"
	}
	c.mergedRows.WithLabelValues(mode).Add(float64(count))
}

func (c *Collector) RecordMergeError() {
	c.mergeErrors.Inc()
}

func (c *Collector) RecordDeleted(count int) {
	c.deletedRows.Add(float64(count))
}

func (c *Collector) RecordWorkflow(workflow, status string, seconds float64) {
	c.workflowRuns.WithLabelValues(workflow, status).Inc()
	c.workflowDuration.WithLabelValues(workflow).Observe(seconds)
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
