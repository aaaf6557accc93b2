// Package orchestrator runs the crawl, recheck and cleanup workflows.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/proxy-inventory/internal/config"
	"github.com/proxy-inventory/internal/crawl"
	"github.com/proxy-inventory/internal/dedup"
	"github.com/proxy-inventory/internal/merge"
	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/snapshot"
	"github.com/proxy-inventory/internal/storage"
	"github.com/proxy-inventory/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrAlreadyRunning  = errors.New("workflow already running")
)

// Crawler is the part of the crawl service client the workflows use.
type Crawler interface {
	ListSpiders(ctx context.Context, project string) ([]string, error)
	Schedule(ctx context.Context, project, spider string, args map[string]string) (string, error)
	PollUntilDone(ctx context.Context, project, jobID string, maxAttempts int, interval time.Duration) (*crawl.Job, error)
	FetchResultItems(ctx context.Context, job *crawl.Job) ([]types.Candidate, error)
}

// Checker validates candidates and stored proxies.
type Checker interface {
	CheckOne(ctx context.Context, candidate types.Candidate) *types.CheckedCandidate
	Recheck(ctx context.Context, prior types.CheckedCandidate) *types.CheckedCandidate
}

type Options struct {
	Crawl   config.CrawlConfig
	Checker config.CheckerConfig
	Cleanup config.CleanupConfig
	// KeyFields is the storage key policy.
	KeyFields []string
}

type Orchestrator struct {
	crawler  Crawler
	checker  Checker
	store    storage.Storage
	merge    *merge.Stage
	snapshot *snapshot.Manager
	metrics  *metrics.Collector
	opts     Options

	running map[string]*atomic.Bool
	now     func() time.Time
}

func New(crawler Crawler, checker Checker, store storage.Storage, snap *snapshot.Manager, metricsCollector *metrics.Collector, opts Options) *Orchestrator {
	opts.Crawl.SpiderConcurrency = max(opts.Crawl.SpiderConcurrency, 1)
	opts.Checker.Concurrency = max(opts.Checker.Concurrency, 1)
	opts.Checker.BatchConcurrency = max(opts.Checker.BatchConcurrency, 1)

	return &Orchestrator{
		crawler:  crawler,
		checker:  checker,
		store:    store,
		merge:    merge.NewStage(store, opts.KeyFields, metricsCollector),
		snapshot: snap,
		metrics:  metricsCollector,
		opts:     opts,
		running: map[string]*atomic.Bool{
			snapshot.WorkflowCrawl:   {},
			snapshot.WorkflowRecheck: {},
			snapshot.WorkflowCleanup: {},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Workflows lists the names accepted by Run and TryRun.
func Workflows() []string {
	return []string{snapshot.WorkflowCrawl, snapshot.WorkflowRecheck, snapshot.WorkflowCleanup}
}

// Run executes the named workflow.
func (o *Orchestrator) Run(ctx context.Context, workflow string) (*snapshot.Report, error) {
	switch workflow {
	case snapshot.WorkflowCrawl:
		return o.CrawlAndIngest(ctx)
	case snapshot.WorkflowRecheck:
		return o.Recheck(ctx)
	case snapshot.WorkflowCleanup:
		return o.Cleanup(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflow)
	}
}

// TryRun is Run, except that it returns ErrAlreadyRunning instead of
// starting a second concurrent run of the same workflow.
func (o *Orchestrator) TryRun(ctx context.Context, workflow string) (*snapshot.Report, error) {
	flag, ok := o.running[workflow]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflow)
	}
	if !flag.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, workflow)
	}
	defer flag.Store(false)

	return o.Run(ctx, workflow)
}

// Running reports whether workflow is currently executing via TryRun.
func (o *Orchestrator) Running(workflow string) bool {
	flag, ok := o.running[workflow]
	return ok && flag.Load()
}

// run accumulates the outcome of one workflow execution. Counters are
// updated from many goroutines.
type run struct {
	report *snapshot.Report
	log    *log.Entry
	start  time.Time

	candidates atomic.Int64
	checked    atomic.Int64
	working    atomic.Int64
	merged     atomic.Int64

	mu     sync.Mutex
	failed []string
	errs   []error
}

func (r *run) spiderFailed(spider string) {
	r.mu.Lock()
	r.failed = append(r.failed, spider)
	r.mu.Unlock()
}

func (r *run) addErr(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *run) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

func (o *Orchestrator) begin(workflow string) *run {
	id := uuid.NewString()
	r := &run{
		report: &snapshot.Report{
			RunID:     id,
			Workflow:  workflow,
			StartedAt: o.now(),
		},
		log: log.WithFields(log.Fields{
			"run_id":   id,
			"workflow": workflow,
		}),
		start: time.Now(),
	}
	r.log.Info("Workflow started")
	return r
}

func (o *Orchestrator) finish(ctx context.Context, r *run, err error) (*snapshot.Report, error) {
	rep := r.report
	rep.Candidates = int(r.candidates.Load())
	rep.Checked = int(r.checked.Load())
	rep.Working = int(r.working.Load())
	rep.Merged = int(r.merged.Load())
	r.mu.Lock()
	rep.FailedSpiders = append([]string(nil), r.failed...)
	r.mu.Unlock()
	rep.Finish(err)

	o.metrics.RecordWorkflow(rep.Workflow, rep.Status(), time.Since(r.start).Seconds())
	o.snapshot.Record(*rep)
	if refreshErr := o.snapshot.Refresh(ctx); refreshErr != nil {
		r.log.Warnf("Failed to refresh proxy pool: %v", refreshErr)
	}

	entry := r.log.WithFields(log.Fields{
		"candidates": rep.Candidates,
		"checked":    rep.Checked,
		"working":    rep.Working,
		"merged":     rep.Merged,
		"deleted":    rep.Deleted,
		"duration":   time.Since(r.start).String(),
	})
	if err != nil {
		entry.Errorf("Workflow finished with errors: %v", err)
	} else {
		entry.Info("Workflow finished")
	}
	return rep, err
}

// CrawlAndIngest schedules every spider, waits for the jobs, then checks and
// merges what they found. A spider that cannot be scheduled, polled or
// fetched is logged and skipped; merge failures are returned joined.
func (o *Orchestrator) CrawlAndIngest(ctx context.Context) (*snapshot.Report, error) {
	r := o.begin(snapshot.WorkflowCrawl)

	spiders, err := o.spiders(ctx)
	if err != nil {
		return o.finish(ctx, r, err)
	}
	r.report.Spiders = len(spiders)
	if len(spiders) == 0 {
		r.log.Warn("No spiders to run")
		return o.finish(ctx, r, nil)
	}

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Crawl.SpiderConcurrency)
	for _, spider := range spiders {
		g.Go(func() error {
			o.runSpider(ctx, r, spider)
			return nil // one failing spider must not cancel the others
		})
	}
	_ = g.Wait()

	return o.finish(ctx, r, r.err())
}

// spiders returns the deployed spiders, narrowed to the configured
// allow-list when one is set.
func (o *Orchestrator) spiders(ctx context.Context) ([]string, error) {
	deployed, err := o.crawler.ListSpiders(ctx, o.opts.Crawl.Project)
	if err != nil {
		return nil, fmt.Errorf("list spiders: %w", err)
	}
	if len(o.opts.Crawl.Spiders) == 0 {
		return deployed, nil
	}

	allowed := mapset.NewThreadUnsafeSet(o.opts.Crawl.Spiders...)
	spiders := make([]string, 0, len(deployed))
	for _, s := range deployed {
		if allowed.Contains(s) {
			spiders = append(spiders, s)
		}
	}
	for s := range allowed.Difference(mapset.NewThreadUnsafeSet(deployed...)).Iter() {
		log.WithField("spider", s).Warn("Configured spider is not deployed")
	}
	return spiders, nil
}

func (o *Orchestrator) runSpider(ctx context.Context, r *run, spider string) {
	entry := r.log.WithField("spider", spider)
	project := o.opts.Crawl.Project

	jobID, err := o.crawler.Schedule(ctx, project, spider, o.opts.Crawl.SpiderArgs[spider])
	if err != nil {
		entry.Errorf("Failed to schedule crawl: %v", err)
		o.metrics.RecordCrawlJob(spider, "schedule_failed")
		r.spiderFailed(spider)
		return
	}
	entry = entry.WithField("job_id", jobID)
	entry.Info("Crawl scheduled")

	job, err := o.poll(ctx, entry, jobID)
	if err != nil {
		entry.Errorf("Crawl did not finish: %v", err)
		o.metrics.RecordCrawlJob(spider, "poll_failed")
		r.spiderFailed(spider)
		return
	}

	items, err := o.crawler.FetchResultItems(ctx, job)
	if err != nil {
		entry.Errorf("Failed to fetch crawl results: %v", err)
		o.metrics.RecordCrawlJob(spider, "fetch_failed")
		r.spiderFailed(spider)
		return
	}
	o.metrics.RecordCrawlJob(spider, "finished")

	candidates := make([]*types.Candidate, len(items))
	for i := range items {
		candidates[i] = &items[i]
	}
	// The probe ignores any declared protocol, so one probe per endpoint.
	candidates = dedup.Deduplicate(candidates, []string{types.FieldIP, types.FieldPort})
	r.candidates.Add(int64(len(candidates)))
	entry.Infof("Crawl returned %d unique candidates", len(candidates))

	tasks := make([]checkTask, len(candidates))
	for i, c := range candidates {
		tasks[i] = func(ctx context.Context) *types.CheckedCandidate {
			return o.checker.CheckOne(ctx, *c)
		}
	}
	o.checkAndMerge(ctx, r, entry, tasks, true)
}

// poll waits for jobID, re-polling the same job when an attempt budget runs
// out, up to the configured number of retries.
func (o *Orchestrator) poll(ctx context.Context, entry *log.Entry, jobID string) (*crawl.Job, error) {
	cfg := o.opts.Crawl
	for retry := 0; ; retry++ {
		job, err := o.crawler.PollUntilDone(ctx, cfg.Project, jobID, cfg.PollAttempts, cfg.PollInterval())
		if errors.Is(err, crawl.ErrTimedOut) && retry < cfg.PollRetries {
			entry.Warnf("Crawl still running, polling again (%d/%d)", retry+1, cfg.PollRetries)
			continue
		}
		return job, err
	}
}

// Recheck probes every stored proxy again and updates its liveness.
func (o *Orchestrator) Recheck(ctx context.Context) (*snapshot.Report, error) {
	r := o.begin(snapshot.WorkflowRecheck)

	rows, err := o.store.Query(ctx, storage.Filter{})
	if err != nil {
		return o.finish(ctx, r, fmt.Errorf("query inventory: %w", err))
	}
	if len(rows) == 0 {
		r.log.Info("Inventory is empty, nothing to recheck")
		return o.finish(ctx, r, nil)
	}
	r.candidates.Add(int64(len(rows)))

	strictKey := slices.Contains(o.opts.KeyFields, types.FieldProtocol)
	tasks := make([]checkTask, len(rows))
	for i := range rows {
		prior := rows[i].Checked()
		tasks[i] = func(ctx context.Context) *types.CheckedCandidate {
			out := o.checker.Recheck(ctx, prior)
			if out != nil && strictKey {
				// Protocol is part of the key, so keep it to update the row in place.
				out.Protocol = prior.Protocol
			}
			return out
		}
	}
	o.checkAndMerge(ctx, r, r.log, tasks, false)

	return o.finish(ctx, r, r.err())
}

// Cleanup deletes proxies selected by the configured cleanup policy.
func (o *Orchestrator) Cleanup(ctx context.Context) (*snapshot.Report, error) {
	r := o.begin(snapshot.WorkflowCleanup)

	var pred storage.Predicate
	switch o.opts.Cleanup.Policy {
	case config.CleanupStale:
		pred = storage.StalePredicate(o.opts.Cleanup.Retention(), o.now())
	default:
		pred = storage.DeadPredicate(o.opts.Cleanup.DeadThreshold)
	}

	n, err := o.store.DeleteWhere(ctx, pred)
	if err != nil {
		return o.finish(ctx, r, fmt.Errorf("delete %s proxies: %w", o.opts.Cleanup.Policy, err))
	}
	o.metrics.RecordDeleted(n)
	r.report.Deleted = n
	return o.finish(ctx, r, nil)
}

// checkTask produces one checked candidate, or nil when it was skipped.
type checkTask func(ctx context.Context) *types.CheckedCandidate

// checkAndMerge splits tasks into batches. Each batch checks its tasks in
// parallel, waits for all of them, then merges the results. Batches are
// independent: a failed merge only loses its own batch.
func (o *Orchestrator) checkAndMerge(ctx context.Context, r *run, entry *log.Entry, tasks []checkTask, isCreate bool) {
	batches := chunk(tasks, o.opts.Checker.BatchSize)

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Checker.BatchConcurrency)
	for i, batch := range batches {
		g.Go(func() error {
			o.runBatch(ctx, r, entry.WithField("batch", i), batch, isCreate)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) runBatch(ctx context.Context, r *run, entry *log.Entry, batch []checkTask, isCreate bool) {
	results := make([]*types.CheckedCandidate, len(batch))

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Checker.Concurrency)
	for i, task := range batch {
		g.Go(func() error {
			results[i] = task(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// Probes cut short by cancellation look like failures; don't record them.
		r.addErr(fmt.Errorf("batch discarded: %w", err))
		return
	}

	for _, c := range results {
		if c == nil {
			continue
		}
		r.checked.Add(1)
		if c.IsActive {
			r.working.Add(1)
		}
	}

	n, err := o.merge.Merge(ctx, results, isCreate)
	if err != nil {
		entry.Errorf("Merge failed: %v", err)
		r.addErr(err)
		return
	}
	r.merged.Add(int64(n))
	entry.Debugf("Merged %d rows", n)
}

func chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
