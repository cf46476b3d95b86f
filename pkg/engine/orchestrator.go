package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultGroupTimeout bounds a provisioner call when neither the group nor
// the orchestrator sets a timeout.
const DefaultGroupTimeout = 30 * time.Minute

// RetryPolicy configures re-invocation of a provisioner after a retryable
// (transient, throttled or conflict) error.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval,omitempty"`
	MaxInterval     time.Duration `json:"max_interval,omitempty"`
	Multiplier      float64       `json:"multiplier,omitempty"`

	// MaxElapsedTime bounds the total time spent retrying one group. Zero
	// leaves MaxAttempts as the only limit.
	MaxElapsedTime time.Duration `json:"max_elapsed_time,omitempty"`
}

// ProvisionerChecker is implemented by provisioners that can reject a group
// during planning, before any side effect (e.g. an unknown backend kind).
type ProvisionerChecker interface {
	CheckGroup(group *ResourceGroup) error
}

// Orchestrator drives runs through
// Pending -> Validating -> Planning -> Applying(i) -> Completed | Failed.
// An Orchestrator holds no state between runs and is safe for concurrent use.
type Orchestrator struct {
	provisioner  Provisioner
	policy       PolicyDefaults
	evaluator    PolicyEvaluator
	observer     Observer
	sinks        []ReportSink
	concurrency  int
	groupTimeout time.Duration
	retry        RetryPolicy
	now          func() time.Time
	newRunID     func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicyDefaults sets the policy layer merged into every request.
func WithPolicyDefaults(p PolicyDefaults) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithPolicyEvaluator enables guardrail evaluation during planning.
func WithPolicyEvaluator(e PolicyEvaluator) Option {
	return func(o *Orchestrator) { o.evaluator = e }
}

// WithObserver sets the lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithReportSink adds a sink that receives every finished report.
func WithReportSink(s ReportSink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithConcurrency allows up to n sibling groups of one level to apply at once.
// Values below 2 keep strictly sequential application.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

// WithGroupTimeout sets the default per-group provisioner timeout.
func WithGroupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.groupTimeout = d
		}
	}
}

// WithRetry sets the retry policy for retryable provisioner errors.
func WithRetry(r RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunIDGenerator overrides how run IDs are generated.
func WithRunIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// NewOrchestrator creates an orchestrator that applies groups with p.
func NewOrchestrator(p Provisioner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provisioner:  p,
		observer:     NopObserver{},
		concurrency:  1,
		groupTimeout: DefaultGroupTimeout,
		retry:        RetryPolicy{MaxAttempts: 1},
		now:          time.Now,
		newRunID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Plan is the validated, ordered view of a configuration. Computing it has
// no side effects.
type Plan struct {
	Graph *DependencyGraph `json:"-"`

	// Order is the topological order over all groups.
	Order []string `json:"order"`

	// Apply lists enabled groups in application order.
	Apply []string `json:"apply"`

	// Skipped lists disabled groups.
	Skipped []string `json:"skipped"`

	// Levels buckets the enabled groups by depth; siblings share a level.
	Levels [][]string `json:"levels"`

	// Requests is the static view of every enabled group's request.
	Requests []ProvisionRequest `json:"requests"`

	// Policy is the guardrail evaluation result, if an evaluator is set.
	Policy *PolicyResult `json:"policy,omitempty"`
}

// Plan validates the groups and computes the application order without
// invoking any provisioner.
func (o *Orchestrator) Plan(ctx context.Context, groups []ResourceGroup) (*Plan, error) {
	graph, err := BuildGraph(groups)
	if err != nil {
		return nil, err
	}
	return o.plan(ctx, graph)
}

func (o *Orchestrator) plan(ctx context.Context, graph *DependencyGraph) (*Plan, error) {
	p := &Plan{
		Graph:   graph,
		Order:   graph.Order(),
		Apply:   make([]string, 0, graph.Len()),
		Skipped: make([]string, 0),
	}

	resolver := NewOutputResolver(graph, NewOutputTable())
	checker, _ := o.provisioner.(ProvisionerChecker)

	for _, name := range p.Order {
		group, _ := graph.Group(name)
		if !group.Enabled {
			p.Skipped = append(p.Skipped, name)
			continue
		}
		if err := resolver.CheckOrder(group); err != nil {
			return nil, err
		}
		if checker != nil {
			if err := checker.CheckGroup(group); err != nil {
				if IsConfigurationError(err) {
					return nil, err
				}
				return nil, NewConfigurationError("provisioner rejected group", err).
					WithCode(ErrCodeUnknownKind).
					WithResource(name)
			}
		}
		p.Apply = append(p.Apply, name)
		p.Requests = append(p.Requests, o.request(group))
	}

	enabled := make(map[string]bool, len(p.Apply))
	for _, name := range p.Apply {
		enabled[name] = true
	}
	for _, level := range graph.Levels() {
		var kept []string
		for _, name := range level {
			if enabled[name] {
				kept = append(kept, name)
			}
		}
		if len(kept) > 0 {
			p.Levels = append(p.Levels, kept)
		}
	}

	if o.evaluator != nil && len(p.Requests) > 0 {
		result, err := o.evaluator.EvaluateRequests(ctx, p.Requests)
		if err != nil {
			return nil, NewConfigurationError("policy evaluation failed", err).
				WithCode(ErrCodePolicyViolation)
		}
		p.Policy = result
		if !result.Allowed {
			return nil, policyError(result)
		}
	}

	return p, nil
}

// request builds the static provision request of an enabled group.
func (o *Orchestrator) request(group *ResourceGroup) ProvisionRequest {
	req := ProvisionRequest{
		Group:       group.Name,
		Provisioner: group.Provisioner,
		Inputs:      make(map[string]any, len(group.Inputs)),
		Tags:        o.policy.EffectiveTags(group),
	}
	for _, in := range group.Inputs {
		if in.Binding.Kind == BindingLiteral {
			req.Inputs[in.Name] = in.Binding.Value
			continue
		}
		if req.References == nil {
			req.References = make(map[string]string)
		}
		req.References[in.Name] = in.Binding.Ref.String()
	}
	for _, in := range o.policy.DefaultInputs(group) {
		req.Inputs[in.Name] = in.Value
	}
	return req
}

func policyError(result *PolicyResult) error {
	msgs := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		if v.Severity == "error" || v.Severity == "critical" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	return NewConfigurationError(fmt.Sprintf("policy violations: %s", strings.Join(msgs, "; ")), nil).
		WithCode(ErrCodePolicyViolation).
		WithDetail("violations", result.Violations)
}

// run is the state owned by the orchestrator for one Apply call.
type run struct {
	mu      sync.Mutex
	state   RunState
	report  *RunReport
	results map[string]*GroupResult
	outputs *OutputTable
	halted  bool
}

func (r *run) halt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.halted
	r.halted = true
	return was
}

func (r *run) isHalted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

// Apply executes a full run. The returned report is never nil; the error is
// the run-level error (configuration, provisioning or cancellation).
func (o *Orchestrator) Apply(ctx context.Context, groups []ResourceGroup) (*RunReport, error) {
	r := &run{
		state:   RunStatePending,
		outputs: NewOutputTable(),
		report: &RunReport{
			RunID:     o.newRunID(),
			State:     RunStatePending,
			StartedAt: o.now(),
		},
	}
	runID := r.report.RunID
	ctx = o.observer.RunStarted(ctx, runID, len(groups))
	o.emit(ctx, runID, "", EventTypeRunStarted, fmt.Sprintf("Run started with %d groups", len(groups)), nil)

	o.transition(ctx, r, RunStateValidating)
	graph, err := BuildGraph(groups)
	if err != nil {
		o.initResults(r, groups)
		return o.finish(ctx, r, err)
	}

	o.transition(ctx, r, RunStatePlanning)
	o.initResults(r, graph.Groups())
	r.report.Order = graph.Order()
	r.report.Groups = o.orderedResults(r, r.report.Order)

	p, err := o.plan(ctx, graph)
	if err != nil {
		return o.finish(ctx, r, err)
	}

	for _, name := range p.Skipped {
		res := r.results[name]
		res.Status = GroupStatusSkipped
		res.Reason = SkipDisabled
		o.emit(ctx, runID, name, EventTypeGroupSkipped, "Group disabled", map[string]any{"reason": string(SkipDisabled)})
		o.observer.GroupFinished(ctx, runID, res)
	}

	if len(p.Apply) == 0 {
		return o.finish(ctx, r, nil)
	}

	resolver := NewOutputResolver(graph, r.outputs)
	if o.concurrency > 1 {
		err = o.applyLevels(ctx, r, graph, resolver, p.Levels)
	} else {
		err = o.applySequential(ctx, r, graph, resolver, p.Apply)
	}
	return o.finish(ctx, r, err)
}

func (o *Orchestrator) applySequential(ctx context.Context, r *run, graph *DependencyGraph, resolver *OutputResolver, order []string) error {
	for i, name := range order {
		if err := ctx.Err(); err != nil {
			return NewCancellationError("run cancelled before applying group", err).WithResource(name)
		}
		o.transition(ctx, r, RunStateApplying, "index", i, "group", name)
		group, _ := graph.Group(name)
		if err := o.applyGroup(ctx, r, resolver, group); err != nil {
			return err
		}
	}
	return nil
}

// applyLevels applies each level's siblings concurrently. Levels run in
// sequence, so every upstream slot is written before a downstream read.
func (o *Orchestrator) applyLevels(ctx context.Context, r *run, graph *DependencyGraph, resolver *OutputResolver, levels [][]string) error {
	index := 0
	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return NewCancellationError("run cancelled before applying level", err)
		}

		var (
			mu       sync.Mutex
			firstErr error
		)
		eg := new(errgroup.Group)
		eg.SetLimit(o.concurrency)

		for _, name := range level {
			group, _ := graph.Group(name)
			i := index
			index++
			eg.Go(func() error {
				if r.isHalted() {
					return nil
				}
				if err := ctx.Err(); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = NewCancellationError("run cancelled before applying group", err).WithResource(group.Name)
					}
					mu.Unlock()
					return nil
				}
				o.transition(ctx, r, RunStateApplying, "index", i, "group", group.Name)
				if err := o.applyGroup(ctx, r, resolver, group); err != nil {
					r.halt()
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
				return nil
			})
		}
		_ = eg.Wait()

		if firstErr != nil {
			return firstErr
		}
	}
	return nil
}

// applyGroup resolves, merges policy and provisions a single group.
func (o *Orchestrator) applyGroup(ctx context.Context, r *run, resolver *OutputResolver, group *ResourceGroup) error {
	runID := r.report.RunID
	res := r.results[group.Name]

	started := o.now()
	res.StartedAt = &started
	gctx := o.observer.GroupStarted(ctx, runID, group.Name)
	o.emit(gctx, runID, group.Name, EventTypeGroupStarted, "Applying group", nil)

	fail := func(err error) error {
		finished := o.now()
		res.FinishedAt = &finished
		res.Status = GroupStatusFailed
		res.Error = err.Error()
		o.emit(gctx, runID, group.Name, EventTypeGroupFailed, err.Error(), map[string]any{"code": ErrorCode(err)})
		o.observer.GroupFinished(gctx, runID, res)
		return err
	}

	inputs, err := resolver.Resolve(group)
	if err != nil {
		return fail(err)
	}
	inputs = append(inputs, o.policy.DefaultInputs(group)...)
	tags := o.policy.EffectiveTags(group)
	res.ResolvedInputs = inputs
	res.Tags = tags

	outputs, attempts, err := o.provision(gctx, runID, group, inputs.Map(), tags)
	res.Attempts = attempts
	if err != nil {
		return fail(classifyProvisionerError(ctx, group.Name, err))
	}

	if err := r.outputs.Record(group.Name, outputs); err != nil {
		return fail(err)
	}

	finished := o.now()
	res.FinishedAt = &finished
	res.Status = GroupStatusSucceeded
	res.Outputs, _ = r.outputs.Lookup(group.Name)
	o.emit(gctx, runID, group.Name, EventTypeGroupSucceeded, "Group applied", map[string]any{
		"outputs":  len(res.Outputs),
		"attempts": attempts,
	})
	o.observer.GroupFinished(gctx, runID, res)
	return nil
}

// provision invokes the provisioner with a per-attempt timeout, retrying
// retryable errors with exponential backoff.
func (o *Orchestrator) provision(ctx context.Context, runID string, group *ResourceGroup, inputs map[string]any, tags map[string]string) (map[string]any, int, error) {
	timeout := o.groupTimeout
	if group.Timeout > 0 {
		timeout = group.Timeout
	}
	maxAttempts := o.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	operation := func() (map[string]any, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := o.provisioner.Apply(callCtx, group.Name, cloneMap(inputs), MergeTags(tags, nil))
		if err != nil {
			if ctx.Err() != nil || !IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if out == nil {
			out = map[string]any{}
		}
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	if o.retry.InitialInterval > 0 {
		bo.InitialInterval = o.retry.InitialInterval
	}
	if o.retry.MaxInterval > 0 {
		bo.MaxInterval = o.retry.MaxInterval
	}
	if o.retry.Multiplier > 0 {
		bo.Multiplier = o.retry.Multiplier
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(o.retry.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.emit(ctx, runID, group.Name, EventTypeGroupRetrying,
				fmt.Sprintf("Retrying after failure (attempt %d/%d)", attempts, maxAttempts),
				map[string]any{"error": err.Error(), "backoff": next.String()})
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, attempts, err
	}
	return out, attempts, nil
}

// transition moves the run state machine forward and publishes the change.
func (o *Orchestrator) transition(ctx context.Context, r *run, to RunState, kv ...any) {
	r.mu.Lock()
	from := r.state
	if !canTransition(from, to) {
		r.mu.Unlock()
		return
	}
	r.state = to
	r.report.State = to
	r.mu.Unlock()

	data := map[string]any{"from": string(from)}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			data[k] = kv[i+1]
		}
	}
	o.observer.Event(ctx, &Event{
		ID:        uuid.New().String(),
		Type:      EventTypeStateChanged,
		Timestamp: o.now(),
		RunID:     r.report.RunID,
		State:     to,
		Message:   fmt.Sprintf("Run state %s -> %s", from, to),
		Level:     EventTypeStateChanged.Severity(),
		Data:      data,
	})
}

// initResults creates one pending result per declared group.
func (o *Orchestrator) initResults(r *run, groups []ResourceGroup) {
	r.results = make(map[string]*GroupResult, len(groups))
	r.report.Groups = make([]GroupResult, 0, len(groups))
	for i := range groups {
		r.report.Groups = append(r.report.Groups, GroupResult{
			Group:       groups[i].Name,
			Enabled:     groups[i].Enabled,
			Status:      GroupStatusPending,
			Provisioner: groups[i].Provisioner,
		})
	}
	for i := range r.report.Groups {
		r.results[r.report.Groups[i].Group] = &r.report.Groups[i]
	}
}

// orderedResults reorders the results into topological order and rebinds
// the lookup map to the new slice.
func (o *Orchestrator) orderedResults(r *run, order []string) []GroupResult {
	out := make([]GroupResult, 0, len(order))
	for _, name := range order {
		out = append(out, *r.results[name])
	}
	for i := range out {
		r.results[out[i].Group] = &out[i]
	}
	return out
}

// finish marks every group that was never attempted, records the terminal
// state and hands the report to sinks and the observer.
func (o *Orchestrator) finish(ctx context.Context, r *run, runErr error) (*RunReport, error) {
	report := r.report
	runID := report.RunID

	skipReason := SkipNotReached
	if runErr != nil {
		switch {
		case IsCancellationError(runErr):
			skipReason = SkipCancelled
		case IsConfigurationError(runErr) && r.state != RunStateApplying:
			skipReason = SkipNotReached
		default:
			skipReason = SkipUpstreamFailed
		}
	}

	for i := range report.Groups {
		res := &report.Groups[i]
		if res.Status != GroupStatusPending {
			continue
		}
		res.Status = GroupStatusSkipped
		res.Reason = skipReason
		if !res.Enabled {
			res.Reason = SkipDisabled
		}
		o.emit(ctx, runID, res.Group, EventTypeGroupSkipped, "Group not applied", map[string]any{"reason": string(res.Reason)})
		o.observer.GroupFinished(ctx, runID, res)
	}

	if runErr != nil {
		o.transition(ctx, r, RunStateFailed)
		report.Reason = reasonFor(runErr)
		report.Error = runErr.Error()
		report.ErrorCode = ErrorCode(runErr)
		report.err = runErr
	} else {
		o.transition(ctx, r, RunStateCompleted)
	}
	report.FinishedAt = o.now()

	if runErr != nil {
		o.emit(ctx, runID, "", EventTypeRunFailed, fmt.Sprintf("Run failed (%s): %v", report.Reason, runErr), nil)
	} else {
		o.emit(ctx, runID, "", EventTypeRunCompleted, "Run completed successfully", nil)
	}

	for _, sink := range o.sinks {
		if err := sink.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			o.emit(ctx, runID, "", EventTypeRunFailed, fmt.Sprintf("Failed to persist report: %v", err),
				map[string]any{"sink_error": true})
		}
	}
	o.observer.RunFinished(ctx, report)

	return report, runErr
}

func (o *Orchestrator) emit(ctx context.Context, runID, group string, eventType EventType, message string, data map[string]any) {
	o.observer.Event(ctx, &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: o.now(),
		RunID:     runID,
		Group:     group,
		Message:   message,
		Level:     eventType.Severity(),
		Data:      data,
	})
}
