package dispatch

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"NetDispatch/internal/coordinator/history"
	"NetDispatch/internal/coordinator/metrics"
	"NetDispatch/internal/coordinator/models"
	"NetDispatch/internal/coordinator/pool"
	"NetDispatch/internal/coordinator/registry"
	"NetDispatch/internal/shared/constants"
	shared "NetDispatch/internal/shared/models"
	"NetDispatch/internal/shared/protocol"
)

type Config struct {
	MaxTotalInFlight int
}

type pendingJob struct {
	job  *models.Job
	done chan models.Outcome
}

// Dispatcher owns the Submit path: pick an (agent, ip), send the dispatch
// frame, and correlate the reply by job_id through the pending table.
//
// v1 sends no cancel frame to agents: on timeout or caller cancellation the
// job is resolved locally and a late reply is discarded. An agent-side
// `cancel {job_id}` frame is the documented extension point.
type Dispatcher struct {
	pool     *pool.Pool
	registry *registry.Registry
	history  *history.Ring
	sink     metrics.Sink
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	pending map[string]*pendingJob

	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

func New(p *pool.Pool, reg *registry.Registry, hist *history.Ring, cfg Config, sink metrics.Sink, logger *slog.Logger) *Dispatcher {
	if cfg.MaxTotalInFlight == 0 {
		cfg.MaxTotalInFlight = constants.MaxTotalInFlight
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		pool:     p,
		registry: reg,
		history:  hist,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		pending:  make(map[string]*pendingJob),
	}

	reg.SetAgentDownHandler(d.failAgentJobs)
	return d
}

// Submit runs one job to a terminal state and returns it. It blocks the
// caller until the agent replies, the deadline expires, or ctx is cancelled.
func (d *Dispatcher) Submit(ctx context.Context, spec models.JobSpec) *models.Job {
	job := models.NewJob(spec)

	if spec.TimeoutSec <= 0 {
		job.Spec.TimeoutSec = constants.DefaultRequestTimeout.Seconds()
	}

	if int(d.inFlight.Load()) >= d.cfg.MaxTotalInFlight {
		return d.reject(job, shared.KindCoordinatorOverloaded, "coordinator in-flight cap reached")
	}

	sess, entry, derr := d.pick()
	if derr != nil {
		return d.rejectErr(job, derr)
	}

	job.Assign(entry.AgentID, entry.IP)

	p := &pendingJob{
		job:  job,
		done: make(chan models.Outcome, 1),
	}

	d.mu.Lock()
	d.pending[job.ID] = p
	d.mu.Unlock()
	d.inFlight.Add(1)

	frame := &protocol.Dispatch{
		Type:       protocol.TypeDispatch,
		JobID:      job.ID,
		SourceIP:   entry.IP,
		Method:     job.Spec.Method,
		URL:        job.Spec.URL,
		Headers:    job.Spec.Headers,
		Body:       job.Spec.Body,
		TimeoutSec: job.Spec.TimeoutSec,
	}

	if err := sess.Send(frame); err != nil {
		d.logger.Warn("dispatch send failed", "job_id", job.ID, "agent_id", entry.AgentID, "error", err)
		if d.take(job.ID) != nil {
			return d.resolve(job, models.Outcome{
				Err: shared.NewDispatchError(shared.KindAgentLost, "failed to send dispatch frame: %v", err),
			})
		}
		// A concurrent disconnect already claimed the job; fall through and
		// collect its outcome below.
	}
	job.State = models.JobStateInFlight

	timeout := time.Duration(job.Spec.TimeoutSec * float64(time.Second))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return d.resolve(job, out)

	case <-timer.C:
		if d.take(job.ID) != nil {
			return d.resolve(job, models.Outcome{
				Err: shared.NewDispatchError(shared.KindTimeout, "no reply within %.1fs", job.Spec.TimeoutSec),
			})
		}
		// Lost the race against a reply; it is already on the channel.
		return d.resolve(job, <-p.done)

	case <-ctx.Done():
		if d.take(job.ID) != nil {
			return d.resolve(job, models.Outcome{
				Err: shared.NewDispatchError(shared.KindCancelled, "caller went away"),
			})
		}
		return d.resolve(job, <-p.done)
	}
}

// pick walks the rotation past non-live or saturated agents, at most one full
// lap, without disturbing fairness for later submits.
func (d *Dispatcher) pick() (registry.Session, pool.Entry, *shared.DispatchError) {
	attempts := d.pool.Size()
	if attempts == 0 {
		return nil, pool.Entry{}, shared.NewDispatchError(shared.KindNoAgentsAvailable, "ip pool is empty")
	}

	for i := 0; i < attempts; i++ {
		entry, err := d.pool.Pick()
		if err != nil {
			return nil, pool.Entry{}, shared.NewDispatchError(shared.KindNoAgentsAvailable, "ip pool is empty")
		}
		if sess, ok := d.registry.AcquireSlot(entry.AgentID); ok {
			return sess, entry, nil
		}
	}

	return nil, pool.Entry{}, shared.NewDispatchError(shared.KindAgentsSaturated, "all candidate agents at capacity")
}

// HandleResult resolves a pending job with a successful agent reply. Late
// replies for already-resolved jobs are discarded, as are frames naming a job
// the sender was never assigned.
func (d *Dispatcher) HandleResult(agentID string, res *protocol.Result) {
	p := d.takeFor(res.JobID, agentID)
	if p == nil {
		d.logger.Debug("discarding result", "job_id", res.JobID, "agent_id", agentID)
		return
	}

	body, err := base64.StdEncoding.DecodeString(res.ResponseBodyB64)
	if err != nil {
		p.done <- models.Outcome{
			Err: shared.NewDispatchError(shared.KindOther, "undecodable response body from agent: %v", err),
		}
		return
	}

	p.done <- models.Outcome{Result: &models.JobResult{
		Status:     res.Status,
		Headers:    res.ResponseHeaders,
		Body:       body,
		ElapsedSec: res.ElapsedSec,
	}}
}

// HandleError resolves a pending job with an agent-reported failure.
func (d *Dispatcher) HandleError(agentID string, frame *protocol.Error) {
	p := d.takeFor(frame.JobID, agentID)
	if p == nil {
		d.logger.Debug("discarding error frame", "job_id", frame.JobID, "agent_id", agentID)
		return
	}

	kind := frame.Kind
	if kind == "" {
		kind = shared.KindOther
	}
	p.done <- models.Outcome{Err: &shared.DispatchError{Kind: kind, Message: frame.Message}}
}

// failAgentJobs fails every pending job assigned to agentID. Called by the
// registry when an agent disconnects, times out, or is replaced.
func (d *Dispatcher) failAgentJobs(agentID string, kind shared.ErrorKind, message string) {
	d.mu.Lock()
	var claimed []*pendingJob
	for id, p := range d.pending {
		if p.job.AssignedAgent == agentID {
			delete(d.pending, id)
			claimed = append(claimed, p)
		}
	}
	d.mu.Unlock()

	for _, p := range claimed {
		p.done <- models.Outcome{Err: shared.NewDispatchError(kind, "%s", message)}
	}

	if len(claimed) > 0 {
		d.logger.Warn("failed pending jobs for agent",
			"agent_id", agentID,
			"jobs", len(claimed),
			"kind", kind,
		)
	}
}

// take claims the pending entry; the claimant is the sole resolver.
func (d *Dispatcher) take(jobID string) *pendingJob {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[jobID]
	if !ok {
		return nil
	}
	delete(d.pending, jobID)
	return p
}

// takeFor claims the pending entry only when agentID is the assigned agent.
// A mismatched sender leaves the entry in place for the real resolver.
func (d *Dispatcher) takeFor(jobID, agentID string) *pendingJob {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[jobID]
	if !ok || p.job.AssignedAgent != agentID {
		return nil
	}
	delete(d.pending, jobID)
	return p
}

// resolve is the single terminal path: releases the agent slot, records
// history and metrics, and stamps the job.
func (d *Dispatcher) resolve(job *models.Job, out models.Outcome) *models.Job {
	d.inFlight.Add(-1)
	d.registry.ReleaseSlot(job.AssignedAgent)

	job.State = out.TerminalState()
	job.CompletedAt = time.Now()
	job.Result = out.Result
	job.Err = out.Err

	entry := history.Entry{
		JobID:       job.ID,
		Method:      job.Spec.Method,
		URL:         job.Spec.URL,
		AgentID:     job.AssignedAgent,
		SourceIP:    job.AssignedIP,
		SubmittedAt: job.SubmittedAt,
		CompletedAt: job.CompletedAt,
	}

	if out.Result != nil {
		d.completed.Add(1)
		entry.Status = out.Result.Status
		entry.ElapsedSec = out.Result.ElapsedSec
		entry.Body = string(out.Result.Body)

		d.registry.IncProcessed(job.AssignedAgent)
		d.pool.MarkUsed(pool.Entry{AgentID: job.AssignedAgent, IP: job.AssignedIP})
		if d.sink != nil {
			elapsed := time.Duration(out.Result.ElapsedSec * float64(time.Second))
			d.sink.JobResolved(job.AssignedAgent, job.Spec.Method, out.Result.Status, elapsed, len(out.Result.Body))
		}
	} else {
		d.failed.Add(1)
		entry.ErrorKind = string(out.Err.Kind)
		entry.ErrorDetail = out.Err.Message
		entry.ElapsedSec = job.CompletedAt.Sub(job.SubmittedAt).Seconds()

		if d.sink != nil {
			d.sink.JobFailed(job.AssignedAgent, string(out.Err.Kind))
		}
	}

	d.history.Append(entry)

	d.logger.Info("job resolved",
		"job_id", job.ID,
		"state", job.State,
		"agent_id", job.AssignedAgent,
		"source_ip", job.AssignedIP,
	)

	return job
}

// reject fails a job before it was ever assigned: no slot, no pending entry.
func (d *Dispatcher) reject(job *models.Job, kind shared.ErrorKind, message string) *models.Job {
	return d.rejectErr(job, shared.NewDispatchError(kind, "%s", message))
}

func (d *Dispatcher) rejectErr(job *models.Job, derr *shared.DispatchError) *models.Job {
	d.failed.Add(1)

	job.State = models.JobStateFailed
	job.CompletedAt = time.Now()
	job.Err = derr

	d.history.Append(history.Entry{
		JobID:       job.ID,
		Method:      job.Spec.Method,
		URL:         job.Spec.URL,
		ErrorKind:   string(derr.Kind),
		ErrorDetail: derr.Message,
		SubmittedAt: job.SubmittedAt,
		CompletedAt: job.CompletedAt,
	})

	if d.sink != nil {
		d.sink.JobFailed("", string(derr.Kind))
	}

	d.logger.Warn("job rejected", "job_id", job.ID, "kind", derr.Kind)
	return job
}

// Stats is the dispatcher's contribution to /api/stats.
type Stats struct {
	InFlight  int64 `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		InFlight:  d.inFlight.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
	}
}

// PendingCount is exposed for tests asserting the pending-table invariant.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
