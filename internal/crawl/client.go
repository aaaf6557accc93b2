// Package crawl talks to a Scrapyd service: it schedules spider jobs, polls
// them to completion and reads the proxy items they produced.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/proxy-inventory/internal/config"
	"github.com/proxy-inventory/internal/metrics"
	"github.com/proxy-inventory/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	ErrServiceUnavailable = errors.New("crawl service unavailable")
	ErrTimedOut           = errors.New("crawl job did not finish in time")
	ErrItemsTooLarge      = errors.New("crawl job output exceeds the size limit")
)

// Job states as reported by listjobs.json.
const (
	StatePending  = "pending"
	StateRunning  = "running"
	StateFinished = "finished"
)

type Job struct {
	ID        string `json:"id"`
	Spider    string `json:"spider"`
	Project   string `json:"project,omitempty"`
	PID       int    `json:"pid,omitempty"`
	ItemsURL  string `json:"items_url,omitempty"`
	LogURL    string `json:"log_url,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
}

type JobList struct {
	Status   string `json:"status"`
	NodeName string `json:"node_name,omitempty"`
	Pending  []Job  `json:"pending"`
	Running  []Job  `json:"running"`
	Finished []Job  `json:"finished"`
}

// Find returns the job with id and the state it is in, or nil and "".
func (l *JobList) Find(id string) (*Job, string) {
	for _, group := range []struct {
		state string
		jobs  []Job
	}{
		{StateFinished, l.Finished},
		{StateRunning, l.Running},
		{StatePending, l.Pending},
	} {
		for i := range group.jobs {
			if group.jobs[i].ID == id {
				return &group.jobs[i], group.state
			}
		}
	}
	return nil, ""
}

type Client struct {
	baseURL         *url.URL
	client          *http.Client
	limiter         *rate.Limiter
	userAgent       string
	scheduleRetries int
	maxItemsBytes   int64
	metrics         *metrics.Collector

	// backoff is the wait before schedule retry n (n >= 1).
	backoff func(attempt int) time.Duration
}

func New(cfg config.CrawlConfig, metricsCollector *metrics.Collector) (*Client, error) {
	base, err := url.Parse(cfg.ServiceURL)
	if err != nil {
		return nil, fmt.Errorf("parse service url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("service url %q must be absolute", cfg.ServiceURL)
	}
	// Relative references must resolve below the service path.
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		baseURL: base,
		client: &http.Client{
			Timeout: cfg.RequestTimeout(),
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:         rate.NewLimiter(limit, 1),
		userAgent:       cfg.UserAgent,
		scheduleRetries: cfg.ScheduleRetries,
		maxItemsBytes:   cfg.MaxItemsBytes,
		metrics:         metricsCollector,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * 100 * time.Millisecond
		},
	}, nil
}

type scheduleResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"jobid"`
	Message string `json:"message"`
}

// Schedule starts spider in project and returns the job id. Failures are
// retried with quadratic backoff before giving up with ErrServiceUnavailable.
func (c *Client) Schedule(ctx context.Context, project, spider string, args map[string]string) (string, error) {
	form := url.Values{}
	for k, v := range args {
		form.Set(k, v)
	}
	form.Set("project", project)
	form.Set("spider", spider)

	var lastErr error
	for attempt := 0; attempt <= c.scheduleRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		var resp scheduleResponse
		err := c.do(ctx, http.MethodPost, c.endpoint("schedule.json", nil), form, &resp)
		switch {
		case err != nil:
			lastErr = err
		case resp.Status != "ok":
			lastErr = fmt.Errorf("status %q: %s", resp.Status, resp.Message)
		case resp.JobID == "":
			lastErr = errors.New("response carries no job id")
		default:
			return resp.JobID, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.WithFields(log.Fields{
			"spider":  spider,
			"attempt": attempt + 1,
		}).Warnf("Schedule failed: %v", lastErr)
	}

	return "", fmt.Errorf("%w: schedule %s/%s: %v", ErrServiceUnavailable, project, spider, lastErr)
}

// Jobs lists the jobs of project.
func (c *Client) Jobs(ctx context.Context, project string) (*JobList, error) {
	var list JobList
	q := url.Values{"project": {project}}
	if err := c.do(ctx, http.MethodGet, c.endpoint("listjobs.json", q), nil, &list); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if list.Status != "" && list.Status != "ok" {
		return nil, fmt.Errorf("list jobs: status %q", list.Status)
	}
	return &list, nil
}

// ListSpiders returns the spiders deployed in project.
func (c *Client) ListSpiders(ctx context.Context, project string) ([]string, error) {
	var resp struct {
		Status  string   `json:"status"`
		Spiders []string `json:"spiders"`
		Message string   `json:"message"`
	}
	q := url.Values{"project": {project}}
	if err := c.do(ctx, http.MethodGet, c.endpoint("listspiders.json", q), nil, &resp); err != nil {
		return nil, fmt.Errorf("list spiders: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("list spiders: status %q: %s", resp.Status, resp.Message)
	}
	return resp.Spiders, nil
}

// PollUntilDone queries the job list at most maxAttempts times, waiting
// interval between queries, and returns the job once it is finished. A failed
// query counts as an attempt.
func (c *Client) PollUntilDone(ctx context.Context, project, jobID string, maxAttempts int, interval time.Duration) (*Job, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	entry := log.WithField("job_id", jobID)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.metrics.RecordPollAttempt()

		list, err := c.Jobs(ctx, project)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			entry.Warnf("Poll attempt %d failed: %v", attempt, err)
		} else {
			job, state := list.Find(jobID)
			if state == StateFinished {
				return job, nil
			}
			entry.Debugf("Poll attempt %d: state %q", attempt, state)
		}

		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w: job %s after %d attempts", ErrTimedOut, jobID, maxAttempts)
}

// FetchResultItems downloads and decodes the items of a finished job. A job
// without an items URL yields no candidates. Malformed lines are logged and
// skipped.
func (c *Client) FetchResultItems(ctx context.Context, job *Job) ([]types.Candidate, error) {
	if job == nil || job.ItemsURL == "" {
		return nil, nil
	}

	ref, err := url.Parse(job.ItemsURL)
	if err != nil {
		return nil, fmt.Errorf("parse items url: %w", err)
	}
	itemsURL := c.baseURL.ResolveReference(ref)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, itemsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch items: HTTP %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if c.maxItemsBytes > 0 {
		body = &cappedReader{r: resp.Body, remaining: c.maxItemsBytes}
	}

	items, parseErrs, err := parseItems(body)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}

	entry := log.WithFields(log.Fields{"job_id": job.ID, "spider": job.Spider})
	for _, pe := range parseErrs {
		entry.Warnf("Dropping item: %v", pe)
	}
	c.metrics.RecordParseErrors(job.Spider, len(parseErrs))
	c.metrics.RecordCandidatesParsed(job.Spider, len(items))

	return items, nil
}

// cappedReader fails with ErrItemsTooLarge once more than remaining bytes
// arrive, so truncated output is never mistaken for a complete job.
type cappedReader struct {
	r         io.Reader
	remaining int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, ErrItemsTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return 0, ErrItemsTooLarge
	}
	return n, err
}

func (c *Client) endpoint(name string, query url.Values) string {
	u := c.baseURL.ResolveReference(&url.URL{Path: name})
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends a rate-limited request and decodes the JSON response into out.
// A non-nil form is sent url-encoded.
func (c *Client) do(ctx context.Context, method, target string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1024*1024)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
