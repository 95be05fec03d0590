// Package ingest runs at most one chat transport at a time and feeds its
// batches through dedup, emoji resolution, broadcast and persistence.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/chatrelay/internal/checkpoint"
	"github.com/you/chatrelay/internal/core"
	"github.com/you/chatrelay/internal/dedup"
	"github.com/you/chatrelay/internal/emoji"
	"github.com/you/chatrelay/internal/ingesttrace"
	"github.com/you/chatrelay/internal/vault"
	"github.com/you/chatrelay/internal/ytapi"
)

var (
	ErrUnknownMode      = errors.New("ingest: no transport registered for mode")
	ErrTargetRequired   = errors.New("ingest: target video is required")
	ErrNoCredential     = errors.New("ingest: no api key available")
	ErrQuotaBlocked     = errors.New("ingest: daily quota exhausted")
	// ErrTargetUnresolved wraps a failed handle or URL lookup.
	ErrTargetUnresolved = errors.New("ingest: target could not be resolved to a live video")
)

// Adapter is one chat transport. Run blocks until ctx is cancelled or a
// terminal error; it returns ctx.Err() on cancellation.
type Adapter interface {
	Mode() core.Mode
	Run(ctx context.Context, resume *core.ContinuationState, out core.Output) error
}

// Factory builds an adapter for a start request with the chosen credential.
// The credential is zero for transports that need none.
type Factory func(ctx context.Context, req StartRequest, cred vault.Credential) (Adapter, error)

// Delivery receives processed messages. sink.WithBroadcast satisfies it.
type Delivery interface {
	Deliver(mode core.Mode, msgs []core.Message) error
	Remove(ids []string)
}

// StatusListener observes status events. The hub relays them to overlays.
type StatusListener interface {
	PublishStatus(ev core.StatusEvent)
}

// Checkpointer persists the continuation state.
type Checkpointer interface {
	Save(ctx context.Context, st core.ContinuationState) error
	Load(ctx context.Context) (core.ContinuationState, error)
	Clear(ctx context.Context) error
}

// Metrics observes pipeline throughput.
type Metrics interface {
	ObserveBatch(mode string, ingested, duplicates, skipped int)
	IncDBWriteErrors()
}

type StartRequest struct {
	Mode          core.Mode `json:"mode"`
	Target        string    `json:"video_id"`
	PreferPrimary bool      `json:"prefer_primary"`
}

type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateSwitching State = "switching"
)

// Status is the orchestrator's externally visible state.
type Status struct {
	State             State      `json:"state"`
	Mode              core.Mode  `json:"mode,omitempty"`
	Target            string     `json:"target,omitempty"`
	Credential        string     `json:"credential,omitempty"`
	StartedAt         time.Time  `json:"started_at,omitempty"`
	Batches           int        `json:"batches"`
	Messages          int        `json:"messages"`
	Duplicates        int        `json:"duplicates"`
	QuotaUsed         int        `json:"quota_used"`
	RemainingQuota    int        `json:"remaining_quota"`
	PollCount         int        `json:"poll_count"`
	QuotaBlockedUntil *time.Time `json:"quota_blocked_until,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
}

type Options struct {
	Factories   map[core.Mode]Factory
	Vault       vault.Vault
	Delivery    Delivery
	Checkpoints Checkpointer
	Listeners   []StatusListener
	Metrics     Metrics
	Tracer      *ingesttrace.Tracer

	// ResolveTarget turns a channel handle or URL into a video id. Nil keeps
	// targets as given.
	ResolveTarget func(ctx context.Context, raw string) (string, error)

	DedupCapacity int
	EmojiCapacity int
	// CheckpointEvery saves the continuation state every N batches. Zero means 10.
	CheckpointEvery int
	// FormatChangeStreak consecutive unparseable batches raise format_changed. Zero means 10.
	FormatChangeStreak int
	// StateUpdateEvery metered polls emit a state_update event. Zero means 10.
	StateUpdateEvery int
	// StopTimeout bounds how long a stop waits before logging; it keeps waiting.
	StopTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = 10
	}
	if o.FormatChangeStreak <= 0 {
		o.FormatChangeStreak = 10
	}
	if o.StateUpdateEvery <= 0 {
		o.StateUpdateEvery = 10
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	return o
}

// run is one adapter's lifetime.
type run struct {
	req    StartRequest
	cancel context.CancelFunc
	done   chan struct{}
	reason string
}

type Orchestrator struct {
	opts Options
	now  func() time.Time

	dedup  *dedup.Window
	emoji  *emoji.Resolver
	target string

	// cmdMu serializes Start and Stop end to end.
	cmdMu sync.Mutex

	mu         sync.Mutex
	current    *run
	status     Status
	quotaUntil time.Time

	active atomic.Int32
	peak   atomic.Int32
}

func New(opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		opts:   opts,
		now:    time.Now,
		dedup:  dedup.New(opts.DedupCapacity),
		emoji:  emoji.New(opts.EmojiCapacity),
		status: Status{State: StateIdle, RemainingQuota: ytapi.DailyQuota},
	}
}

// Start stops any running adapter, waits for it to exit, and starts the
// requested one. It returns once the new adapter's goroutine is launched.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) error {
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		return ErrTargetRequired
	}
	factory, ok := o.opts.Factories[req.Mode]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}
	if o.opts.ResolveTarget != nil {
		id, err := o.opts.ResolveTarget(ctx, req.Target)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrTargetUnresolved, req.Target, err)
		}
		req.Target = id
	}

	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	if req.Mode.NeedsCredential() {
		o.mu.Lock()
		until := o.quotaUntil
		o.mu.Unlock()
		if o.now().Before(until) {
			return fmt.Errorf("%w until %s", ErrQuotaBlocked, until.Format(time.RFC3339))
		}
	}

	o.stopLocked(StateSwitching, fmt.Sprintf("switching to %s", req.Mode))

	if req.Target != o.target {
		o.dedup.Reset()
		o.emoji.Clear()
		o.target = req.Target
	}

	var cred vault.Credential
	if req.Mode.NeedsCredential() {
		if o.opts.Vault == nil {
			return ErrNoCredential
		}
		c, ok := o.opts.Vault.ActiveCredential(req.PreferPrimary)
		if !ok {
			return ErrNoCredential
		}
		cred = c
	}

	adapter, err := factory(ctx, req, cred)
	if err != nil {
		return fmt.Errorf("ingest: build %s adapter: %w", req.Mode, err)
	}

	state := o.resumeState(ctx, req)
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{req: req, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.current = r
	o.status = Status{
		State:          StateStarting,
		Mode:           req.Mode,
		Target:         req.Target,
		Credential:     string(cred.Source),
		StartedAt:      o.now(),
		QuotaUsed:      state.QuotaUsed,
		RemainingQuota: ytapi.Remaining(state.QuotaUsed),
		PollCount:      state.PollCount,
	}
	o.mu.Unlock()

	var resume *core.ContinuationState
	if state.Cursor != "" || state.LiveChatID != "" {
		resume = &state
	}
	slog.Info("ingest: starting", "mode", req.Mode, "target", req.Target, "credential", cred.Source, "resumed", resume != nil)
	go o.loop(runCtx, r, factory, adapter, cred, state, resume)
	return nil
}

// resumeState loads a checkpoint matching req, or a fresh state. Quota
// counters from before the last reset are discarded.
func (o *Orchestrator) resumeState(ctx context.Context, req StartRequest) core.ContinuationState {
	fresh := core.ContinuationState{Mode: req.Mode, Target: req.Target}
	if o.opts.Checkpoints == nil {
		return fresh
	}
	st, err := o.opts.Checkpoints.Load(ctx)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			slog.Warn("ingest: checkpoint load failed", "err", err)
		}
		return fresh
	}
	if !st.Matches(req.Mode, req.Target) {
		return fresh
	}
	lastReset := ytapi.NextReset(o.now()).Add(-24 * time.Hour)
	if st.SavedAt.Before(lastReset) {
		st.QuotaUsed = 0
		st.PollCount = 0
	}
	return st
}

// Stop cancels the running adapter and waits for it to exit. Stopping an idle
// orchestrator is a no-op.
func (o *Orchestrator) Stop(reason string) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	if reason == "" {
		reason = "stopped"
	}
	o.stopLocked(StateStopping, reason)
}

// stopLocked requires cmdMu.
func (o *Orchestrator) stopLocked(state State, reason string) {
	o.mu.Lock()
	r := o.current
	if r == nil {
		o.mu.Unlock()
		return
	}
	r.reason = reason
	o.status.State = state
	o.mu.Unlock()

	r.cancel()
	timer := time.NewTimer(o.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
	case <-timer.C:
		slog.Warn("ingest: adapter slow to stop, still waiting", "mode", r.req.Mode, "timeout", o.opts.StopTimeout)
		<-r.done
	}
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	if o.now().Before(o.quotaUntil) {
		until := o.quotaUntil
		st.QuotaBlockedUntil = &until
	}
	return st
}

// Active reports how many adapters are running right now.
func (o *Orchestrator) Active() int { return int(o.active.Load()) }

func (o *Orchestrator) loop(ctx context.Context, r *run, factory Factory, adapter Adapter, cred vault.Credential, state core.ContinuationState, resume *core.ContinuationState) {
	defer close(r.done)
	n := o.active.Add(1)
	for {
		p := o.peak.Load()
		if n <= p || o.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer o.active.Add(-1)

	out := &runOutput{
		o:     o,
		r:     r,
		state: state,
		pipe: &pipeline{
			mode:   r.req.Mode,
			target: r.req.Target,
			dedup:  o.dedup,
			emoji:  o.emoji,
			tracer: o.opts.Tracer,
			now:    o.now,
		},
	}

	authRetried := false
	for {
		err := adapter.Run(ctx, resume, out)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			o.saveCheckpoint(out.state)
			o.finish(r, core.StatusEvent{Kind: core.StatusStopped, Reason: r.reason}, "")
			return
		}
		if err == nil {
			err = core.NewAdapterError(r.req.Mode, core.ErrStreamEnded, errors.New("transport returned"))
		}

		kind := core.KindOf(err)
		if kind == core.ErrAuthRejected && !authRetried && o.opts.Vault != nil && cred.Source == vault.SourcePrimary {
			authRetried = true
			o.opts.Vault.MarkSecondaryInUse()
			if next, ok := o.opts.Vault.ActiveCredential(r.req.PreferPrimary); ok && next.Key != cred.Key {
				slog.Warn("ingest: credential rejected, retrying with secondary", "mode", r.req.Mode, "key", cred.Redacted())
				if a, ferr := factory(ctx, r.req, next); ferr == nil {
					adapter, cred = a, next
					o.mu.Lock()
					o.status.Credential = string(cred.Source)
					o.mu.Unlock()
					resume = out.resume()
					continue
				}
			}
		}

		slog.Error("ingest: transport stopped", "mode", r.req.Mode, "kind", kind, "err", err)
		out.Notify(core.StatusEvent{Kind: core.StatusError, Message: err.Error()})
		reason := kind.String()
		switch kind {
		case core.ErrQuotaExhausted:
			var ae *core.AdapterError
			until := ytapi.NextReset(o.now())
			if errors.As(err, &ae) && !ae.Until.IsZero() {
				until = ae.Until
			}
			o.mu.Lock()
			o.quotaUntil = until
			o.mu.Unlock()
			out.Notify(core.StatusEvent{Kind: core.StatusQuotaExceeded, QuotaUsed: out.state.QuotaUsed, RemainingQuota: core.QuotaLeft(0)})
			o.saveCheckpoint(out.state)
		case core.ErrStreamEnded:
			out.Notify(core.StatusEvent{Kind: core.StatusStreamEnded})
			if o.opts.Checkpoints != nil {
				if cerr := o.opts.Checkpoints.Clear(context.Background()); cerr != nil {
					slog.Warn("ingest: checkpoint clear failed", "err", cerr)
				}
			}
		default:
			o.saveCheckpoint(out.state)
		}
		o.finish(r, core.StatusEvent{Kind: core.StatusStopped, Reason: reason}, err.Error())
		return
	}
}

// finish emits the final event and returns to idle if r is still current.
func (o *Orchestrator) finish(r *run, ev core.StatusEvent, lastErr string) {
	o.mu.Lock()
	if o.current == r {
		o.current = nil
		o.status.State = StateIdle
		if lastErr != "" {
			o.status.LastError = lastErr
		}
	}
	o.mu.Unlock()
	ev.Mode = r.req.Mode
	o.emit(ev)
	slog.Info("ingest: stopped", "mode", r.req.Mode, "reason", ev.Reason)
}

func (o *Orchestrator) saveCheckpoint(st core.ContinuationState) {
	if o.opts.Checkpoints == nil || (st.Cursor == "" && st.LiveChatID == "") {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.opts.Checkpoints.Save(ctx, st); err != nil {
		slog.Warn("ingest: checkpoint save failed", "err", err)
	}
}

func (o *Orchestrator) emit(ev core.StatusEvent) {
	if ev.At.IsZero() {
		ev.At = o.now()
	}
	for _, l := range o.opts.Listeners {
		l.PublishStatus(ev)
	}
}

// runOutput is the core.Output handed to one adapter. Deliver runs on the
// adapter's goroutine, which makes it the run's pipeline goroutine.
type runOutput struct {
	o     *Orchestrator
	r     *run
	pipe  *pipeline
	state core.ContinuationState

	batches     int
	parseStreak int
}

func (out *runOutput) resume() *core.ContinuationState {
	if out.state.Cursor == "" && out.state.LiveChatID == "" {
		return nil
	}
	st := out.state
	return &st
}

func (out *runOutput) Deliver(ctx context.Context, batch core.RawBatch) error {
	o := out.o
	mode := out.r.req.Mode

	if batch.ParseFailed {
		out.parseStreak++
		if out.parseStreak == o.opts.FormatChangeStreak {
			slog.Warn("ingest: responses keep failing to parse", "mode", mode, "streak", out.parseStreak)
			out.Notify(core.StatusEvent{Kind: core.StatusFormatChanged, Message: fmt.Sprintf("%d consecutive unparseable responses", out.parseStreak)})
		}
		return nil
	}
	out.parseStreak = 0

	kept, duplicates := out.pipe.process(batch)
	if o.opts.Delivery != nil {
		if err := o.opts.Delivery.Deliver(mode, kept); err != nil {
			slog.Warn("ingest: persist failed", "mode", mode, "count", len(kept), "err", err)
			if o.opts.Metrics != nil {
				o.opts.Metrics.IncDBWriteErrors()
			}
		} else {
			for _, msg := range kept {
				o.opts.Tracer.MarkID(msg.ID, ingesttrace.StagePersisted)
			}
		}
		o.opts.Delivery.Remove(batch.Removed)
	}
	for _, id := range batch.Removed {
		o.opts.Tracer.MarkID(id, ingesttrace.StageRemoved)
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.ObserveBatch(string(mode), len(kept), duplicates, batch.Skipped)
	}

	st := &out.state
	if batch.Cursor != "" {
		st.Cursor = batch.Cursor
	}
	if batch.LiveChatID != "" {
		st.LiveChatID = batch.LiveChatID
	}
	if batch.IntervalMS > 0 {
		st.IntervalMS = batch.IntervalMS
	}
	if batch.QuotaCost > 0 {
		st.QuotaUsed += batch.QuotaCost
		st.PollCount++
	}
	out.batches++

	o.mu.Lock()
	if o.current == out.r {
		o.status.Batches = out.batches
		o.status.Messages += len(kept)
		o.status.Duplicates += duplicates
		o.status.QuotaUsed = st.QuotaUsed
		o.status.RemainingQuota = ytapi.Remaining(st.QuotaUsed)
		o.status.PollCount = st.PollCount
	}
	o.mu.Unlock()

	if out.batches%o.opts.CheckpointEvery == 0 {
		o.saveCheckpoint(*st)
	}
	if batch.QuotaCost > 0 && st.PollCount%o.opts.StateUpdateEvery == 0 {
		out.Notify(core.StatusEvent{
			Kind:           core.StatusStateUpdate,
			QuotaUsed:      st.QuotaUsed,
			RemainingQuota: core.QuotaLeft(ytapi.Remaining(st.QuotaUsed)),
			PollCount:      st.PollCount,
		})
	}
	return ctx.Err()
}

func (out *runOutput) Notify(ev core.StatusEvent) {
	o := out.o
	ev.Mode = out.r.req.Mode
	o.mu.Lock()
	if o.current == out.r {
		switch ev.Kind {
		case core.StatusConnected:
			if o.status.State == StateStarting {
				o.status.State = StateRunning
			}
			o.status.LastError = ""
		case core.StatusError:
			o.status.LastError = ev.Message
		}
	}
	o.mu.Unlock()
	o.emit(ev)
}
