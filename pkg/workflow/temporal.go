package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"

	"github.com/google/uuid"
	tactivity "go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	tworkflow "go.temporal.io/sdk/workflow"
)

// TemporalConfig is read from TEMPORAL_* environment variables.
type TemporalConfig struct {
	Address   string
	Namespace string
	TaskQueue string
}

func LoadTemporalConfig() TemporalConfig {
	return TemporalConfig{
		Address:   strings.TrimSpace(util.GetEnvString("TEMPORAL_ADDRESS", "")),
		Namespace: util.GetEnvString("TEMPORAL_NAMESPACE", "default"),
		TaskQueue: util.GetEnvString("TEMPORAL_TASK_QUEUE", "kgraph"),
	}
}

// Enabled reports whether a Temporal server is configured.
func (c TemporalConfig) Enabled() bool {
	return c.Address != ""
}

// DialTemporal connects to the configured server, retrying while it is not
// reachable yet.
func DialTemporal(ctx context.Context, cfg TemporalConfig) (client.Client, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("TEMPORAL_ADDRESS is not set")
	}
	opts := client.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    logger.Temporal(),
	}
	dialTimeout := util.GetEnvDuration("TEMPORAL_DIAL_TIMEOUT", 5*time.Second)
	b := util.Backoff{
		MaxTries: int(util.GetEnvNumeric("TEMPORAL_DIAL_TRIES", 12)),
		Base:     250 * time.Millisecond,
		Max:      5 * time.Second,
	}
	c, err := util.RetryWithBackoff(ctx, b, func(ctx context.Context) (client.Client, error) {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		c, err := client.DialContext(dctx, opts)
		if err != nil {
			logger.Warn("[Workflow] Temporal not reachable, retrying", "address", cfg.Address, "namespace", cfg.Namespace, "err", err)
		}
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.Address, cfg.Namespace, err)
	}
	logger.Info("[Workflow] Connected to Temporal", "address", cfg.Address, "namespace", cfg.Namespace)
	return c, nil
}

// TemporalRuntime starts workflows on a Temporal cluster. Workers created
// with NewTemporalWorker execute them.
type TemporalRuntime struct {
	client    client.Client
	taskQueue string
}

func NewTemporalRuntime(c client.Client, taskQueue string) *TemporalRuntime {
	return &TemporalRuntime{client: c, taskQueue: taskQueue}
}

// Spawn starts the workflow with the key as workflow id. A running
// execution with the same id is returned instead of starting a new one.
func (t *TemporalRuntime) Spawn(ctx context.Context, name Name, payload any, key string) (Handle, error) {
	if _, ok := bodies[name]; !ok {
		return nil, common.Invalid("unknown_workflow", fmt.Errorf("unknown workflow %q", name))
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(name, raw); err != nil {
		return nil, err
	}
	if key == "" {
		key = string(name) + "_" + uuid.NewString()
	}
	run, err := t.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        key,
		TaskQueue: t.taskQueue,
	}, string(name), raw)
	if err != nil {
		return nil, common.Transient("runtime_unavailable", fmt.Errorf("failed to start %s: %w", name, err))
	}
	return temporalHandle{run: run}, nil
}

// Close closes the client.
func (t *TemporalRuntime) Close() error {
	t.client.Close()
	return nil
}

type temporalHandle struct {
	run client.WorkflowRun
}

func (h temporalHandle) ID() string {
	return h.run.GetID()
}

func (h temporalHandle) Result(ctx context.Context, out any) error {
	var raw []byte
	if err := h.run.Get(ctx, &raw); err != nil {
		return fromTemporal(err)
	}
	return decodeInto(raw, out)
}

// NewTemporalWorker creates a worker on taskQueue with every workflow and
// step registered. maxConcurrency bounds concurrent activities.
func NewTemporalWorker(c client.Client, taskQueue string, acts *Activities, policies Policies, maxConcurrency int) worker.Worker {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     maxConcurrency,
		MaxConcurrentWorkflowTaskExecutionSize: maxConcurrency,
	})
	Register(w, acts, policies)
	return w
}

// Register registers every workflow and step on r.
func Register(r worker.Registry, acts *Activities, policies Policies) {
	if policies == nil {
		policies = DefaultPolicies()
	}
	for _, name := range Names {
		r.RegisterWorkflowWithOptions(temporalWorkflow(bodies[name], policies), tworkflow.RegisterOptions{Name: string(name)})
	}
	for step, fn := range acts.Registry() {
		r.RegisterActivityWithOptions(temporalActivity(fn), tactivity.RegisterOptions{Name: string(step)})
	}
}

func temporalWorkflow(body Body, policies Policies) func(ctx tworkflow.Context, payload []byte) ([]byte, error) {
	return func(ctx tworkflow.Context, payload []byte) ([]byte, error) {
		env := &temporalEnv{ctx: ctx, state: newRunState(policies)}
		out, err := body(env, payload)
		if err != nil {
			return nil, toTemporal(err)
		}
		return json.Marshal(out)
	}
}

func temporalActivity(fn ActivityFunc) func(ctx context.Context, in []byte) ([]byte, error) {
	return func(ctx context.Context, in []byte) ([]byte, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return nil, toTemporal(err)
		}
		return out, nil
	}
}

type temporalEnv struct {
	ctx   tworkflow.Context
	state *runState
}

func (e *temporalEnv) Step(step StepName, in any, out any) error {
	policy, err := e.state.begin(step)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return common.Invalid("activity_input", err)
	}
	actx := tworkflow.WithActivityOptions(e.ctx, tworkflow.ActivityOptions{
		StartToCloseTimeout: policy.Timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    int32(policy.Retries + 1),
		},
	})
	var res []byte
	if err := tworkflow.ExecuteActivity(actx, string(step), raw).Get(actx, &res); err != nil {
		return fromTemporal(err)
	}
	e.state.complete(step)
	return decodeInto(res, out)
}

func (e *temporalEnv) Spawn(name Name, payload any, key string) Future {
	raw, err := marshalPayload(payload)
	if err != nil {
		return errFuture{err: err}
	}
	cctx := tworkflow.WithChildOptions(e.ctx, tworkflow.ChildWorkflowOptions{WorkflowID: key})
	return temporalFuture{ctx: e.ctx, f: tworkflow.ExecuteChildWorkflow(cctx, string(name), raw)}
}

func (e *temporalEnv) Now() time.Time {
	return tworkflow.Now(e.ctx)
}

type temporalFuture struct {
	ctx tworkflow.Context
	f   tworkflow.ChildWorkflowFuture
}

func (f temporalFuture) Get(out any) error {
	var raw []byte
	if err := f.f.Get(f.ctx, &raw); err != nil {
		return fromTemporal(err)
	}
	return decodeInto(raw, out)
}

// toTemporal carries the kind and code of a common.Error as the
// application error type "kind:code". Non retryable kinds stop the
// Temporal retry policy.
func toTemporal(err error) error {
	var cerr *common.Error
	if !errors.As(err, &cerr) {
		return err
	}
	errType := string(cerr.Kind) + ":" + cerr.Code
	if common.IsRetryable(err) {
		return temporal.NewApplicationErrorWithCause(cerr.Message, errType, cerr.Cause)
	}
	return temporal.NewNonRetryableApplicationError(cerr.Message, errType, cerr.Cause)
}

// fromTemporal rebuilds the common.Error behind an activity or child
// workflow failure.
func fromTemporal(err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		if kind, code, ok := strings.Cut(appErr.Type(), ":"); ok {
			return &common.Error{Kind: common.ErrorKind(kind), Code: code, Message: appErr.Error(), Cause: err}
		}
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return common.Transient("timeout", err)
	}
	var canceledErr *temporal.CanceledError
	if errors.As(err, &canceledErr) {
		return fmt.Errorf("%w: %w", context.Canceled, err)
	}
	return err
}
