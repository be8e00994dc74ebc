// Package dispatch runs the bounded webhook worker pool. Each job
// performs the task's outbound HTTP call with per-attempt timeout and
// retry, then commits the outcome together with the task's rescheduled
// state in one store transaction.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"hookflow/internal/domain"
	"hookflow/internal/store"
)

// maxOutputBytes caps the response body stored on an execution record.
const maxOutputBytes = 4096

const interruptedOutput = "interrupted by shutdown"

type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	RPS            float64 // outbound rate cap; 0 = unlimited
}

func (c *Config) fillDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
}

// Job is one claimed firing. NextTriggerAt nil means the task retires
// after this firing; set, it becomes the task's next trigger regardless
// of the webhook outcome.
type Job struct {
	Task          domain.Task
	NextTriggerAt *time.Time
}

type outcome struct {
	status domain.ExecutionStatus
	output string
}

type Dispatcher struct {
	store   store.Store
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter

	jobs   chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
}

func New(st store.Store, cfg Config) *Dispatcher {
	cfg.fillDefaults()
	d := &Dispatcher{
		store:  st,
		cfg:    cfg,
		client: &http.Client{},
		jobs:   make(chan Job, cfg.QueueSize),
	}
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start launches the worker pool. Workers run until Close.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
		log.Info().Int("workers", d.cfg.Workers).Int("queue", d.cfg.QueueSize).Msg("dispatcher started")
	})
}

// Submit queues a job, blocking while the queue is full. It returns the
// context error if ctx ends first, in which case the caller still owns
// the claim and must release it.
func (d *Dispatcher) Submit(ctx context.Context, j Job) error {
	select {
	case d.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued and in-flight jobs, waiting up to grace before
// force-cancelling the remaining HTTP calls. Cancelled jobs are still
// recorded, as failures, while the store is reachable. The caller must
// guarantee no Submit runs concurrently or after Close.
func (d *Dispatcher) Close(grace time.Duration) {
	close(d.jobs)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("dispatch drain exceeded grace, cancelling in-flight calls")
		d.cancel()
		<-done
	}
	d.cancel()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.process(j)
	}
}

func (d *Dispatcher) process(j Job) {
	started := time.Now()
	out := d.execute(j.Task)

	exec := domain.Execution{
		ID:         domain.NewExecutionID(),
		TaskID:     j.Task.ID,
		ExecutedAt: time.Now().UTC(),
		Output:     out.output,
		Status:     out.status,
	}

	// Commit on a detached context: the outcome must land even when the
	// process is shutting down, as long as storage is still reachable.
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.store.CommitOutcome(cctx, j.Task.ID, j.NextTriggerAt, exec)
	switch {
	case errors.Is(err, store.ErrConflict):
		log.Warn().Str("task_id", j.Task.ID).Msg("task purged during dispatch, outcome dropped")
		return
	case err != nil:
		log.Error().Err(err).Str("task_id", j.Task.ID).Msg("commit outcome failed")
		return
	}

	log.Info().
		Str("task_id", j.Task.ID).
		Str("execution_id", exec.ID).
		Str("status", string(out.status)).
		Dur("took", time.Since(started)).
		Msg("task dispatched")
}

// execute performs the webhook call with retry. Timeouts, connection
// errors and 5xx responses are transient and retried with exponential
// backoff; 4xx responses and malformed requests fail immediately.
func (d *Dispatcher) execute(t domain.Task) outcome {
	var lastErr string
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if d.ctx.Err() != nil {
			return outcome{status: domain.StatusFailure, output: interruptedOutput}
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(d.ctx); err != nil {
				return outcome{status: domain.StatusFailure, output: interruptedOutput}
			}
		}

		code, body, err := d.attempt(t.Payload)
		switch {
		case err == nil && code < 400:
			return outcome{status: domain.StatusSuccess, output: truncate(body)}
		case err != nil && errors.Is(err, errPermanent):
			return outcome{status: domain.StatusFailure, output: err.Error()}
		case err != nil && d.ctx.Err() != nil:
			return outcome{status: domain.StatusFailure, output: interruptedOutput}
		case err != nil:
			lastErr = fmt.Sprintf("HTTP request failed: %v", err)
		case code >= 500:
			lastErr = fmt.Sprintf("HTTP %d: %s", code, truncate(body))
		default: // 4xx
			return outcome{status: domain.StatusFailure, output: fmt.Sprintf("HTTP %d: %s", code, truncate(body))}
		}

		if attempt < d.cfg.MaxAttempts {
			log.Debug().Str("task_id", t.ID).Int("attempt", attempt).Str("error", lastErr).Msg("webhook attempt failed, retrying")
			select {
			case <-d.ctx.Done():
				return outcome{status: domain.StatusFailure, output: interruptedOutput}
			case <-time.After(backoffExp(d.cfg.BackoffBase, attempt)):
			}
		}
	}
	return outcome{status: domain.StatusFailure, output: lastErr}
}

// errPermanent wraps request-construction failures that no retry can fix.
var errPermanent = errors.New("permanent dispatch error")

func (d *Dispatcher) attempt(call domain.WebhookCall) (int, []byte, error) {
	actx, cancel := context.WithTimeout(d.ctx, d.cfg.AttemptTimeout)
	defer cancel()

	method := call.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(call.Body) > 0 {
		body = bytes.NewReader(call.Body)
	}
	req, err := http.NewRequestWithContext(actx, method, call.URL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errPermanent, err)
	}
	if len(call.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes+1))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, b, nil
}

func truncate(b []byte) string {
	if len(b) > maxOutputBytes {
		b = b[:maxOutputBytes]
	}
	return string(b)
}

func backoffExp(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1) // base, 2*base, 4*base...
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
