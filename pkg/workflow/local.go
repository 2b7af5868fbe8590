package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kgraph/internal/util"
	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"

	"github.com/google/uuid"
)

// LocalOptions configures a LocalRuntime.
//
// MaxConcurrency bounds how many leaf workflows run at once. Backoff sets
// the wait between step attempts; the number of attempts comes from the
// step policy.
type LocalOptions struct {
	MaxConcurrency int
	Policies       Policies
	Observer       Observer
	Backoff        *util.Backoff
}

// LocalRuntime runs workflows in-process. Leaf workflows are queued to a
// fixed pool of workers; the others run in their own goroutine and wait
// on their children through Join.
//
// A LocalRuntime should be created using NewLocalRuntime.
type LocalRuntime struct {
	acts     map[StepName]ActivityFunc
	policies Policies
	observer Observer
	backoff  util.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *localRun
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*localRun
	closed   bool
}

type localRun struct {
	key     string
	name    Name
	payload []byte

	done   chan struct{}
	result []byte
	err    error
}

// NewLocalRuntime starts the worker pool.
func NewLocalRuntime(acts *Activities, opts LocalOptions) *LocalRuntime {
	workers := opts.MaxConcurrency
	if workers <= 0 {
		workers = 4
	}
	policies := opts.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	var observer Observer = nopObserver{}
	if opts.Observer != nil {
		observer = opts.Observer
	}
	backoff := util.DefaultBackoff()
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &LocalRuntime{
		acts:     acts.Registry(),
		policies: policies,
		observer: observer,
		backoff:  backoff,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan *localRun, workers*4),
		inflight: make(map[string]*localRun),
	}
	for range workers {
		rt.wg.Add(1)
		go rt.work()
	}
	logger.Debug("[Workflow] Local runtime started", "workers", workers)
	return rt
}

func (rt *LocalRuntime) work() {
	defer rt.wg.Done()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case r := <-rt.queue:
			rt.execute(r)
		}
	}
}

// Spawn validates the payload and starts the workflow. An empty key gets a
// random one.
func (rt *LocalRuntime) Spawn(ctx context.Context, name Name, payload any, key string) (Handle, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(name, raw); err != nil {
		return nil, err
	}
	return rt.start(ctx, name, raw, key)
}

func (rt *LocalRuntime) start(ctx context.Context, name Name, raw []byte, key string) (*localRun, error) {
	if _, ok := bodies[name]; !ok {
		return nil, common.Invalid("unknown_workflow", fmt.Errorf("unknown workflow %q", name))
	}
	if key == "" {
		key = string(name) + "_" + uuid.NewString()
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, common.NewError(common.KindTransient, "runtime_closed", "local runtime is closed")
	}
	if r, ok := rt.inflight[key]; ok {
		rt.mu.Unlock()
		logger.Debug("[Workflow] Joining running workflow", "workflow", name, "key", key)
		return r, nil
	}
	r := &localRun{key: key, name: name, payload: raw, done: make(chan struct{})}
	rt.inflight[key] = r
	rt.wg.Add(1)
	rt.mu.Unlock()

	if !isLeaf(name) {
		go func() {
			defer rt.wg.Done()
			rt.execute(r)
		}()
		return r, nil
	}

	select {
	case rt.queue <- r:
		rt.wg.Done()
		return r, nil
	case <-ctx.Done():
		rt.abandon(r, ctx.Err())
		return nil, ctx.Err()
	case <-rt.ctx.Done():
		rt.abandon(r, rt.ctx.Err())
		return nil, common.NewError(common.KindTransient, "runtime_closed", "local runtime is closed")
	}
}

func (rt *LocalRuntime) abandon(r *localRun, err error) {
	r.err = err
	rt.finish(r)
	rt.wg.Done()
}

func (rt *LocalRuntime) execute(r *localRun) {
	started := time.Now()
	env := &localEnv{rt: rt, state: newRunState(rt.policies)}

	func() {
		defer func() {
			if p := recover(); p != nil {
				r.err = common.NewError(common.KindInternal, "panic", fmt.Sprintf("workflow %s panicked: %v", r.name, p))
			}
		}()
		out, err := bodies[r.name](env, r.payload)
		if err != nil {
			r.err = err
			return
		}
		r.result, r.err = json.Marshal(out)
	}()

	d := time.Since(started)
	rt.observer.WorkflowFinished(r.name, d, r.err)
	if r.err != nil {
		logger.Error("[Workflow] Workflow failed", "workflow", r.name, "key", r.key, "duration", d, "err", r.err)
	} else {
		logger.Info("[Workflow] Workflow finished", "workflow", r.name, "key", r.key, "duration", d)
	}
	rt.finish(r)
}

func (rt *LocalRuntime) finish(r *localRun) {
	rt.mu.Lock()
	if rt.inflight[r.key] == r {
		delete(rt.inflight, r.key)
	}
	rt.mu.Unlock()
	close(r.done)
}

// Close stops accepting work, cancels running steps and waits for the pool.
func (rt *LocalRuntime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	rt.cancel()
	rt.wg.Wait()
	return nil
}

func (r *localRun) ID() string {
	return r.key
}

func (r *localRun) Result(ctx context.Context, out any) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	return decodeInto(r.result, out)
}

type localEnv struct {
	rt    *LocalRuntime
	state *runState
}

func (e *localEnv) Step(step StepName, in any, out any) error {
	policy, err := e.state.begin(step)
	if err != nil {
		return err
	}
	fn, ok := e.rt.acts[step]
	if !ok {
		return common.NewError(common.KindInternal, "unknown_step", fmt.Sprintf("no activity registered for step %s", step))
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return common.Invalid("activity_input", err)
	}

	b := e.rt.backoff
	b.MaxTries = policy.Retries + 1
	b.Retryable = common.IsRetryable

	started := time.Now()
	attempt := 0
	res, err := util.RetryWithBackoff(e.rt.ctx, b, func(ctx context.Context) ([]byte, error) {
		attempt++
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}
		res, err := fn(ctx, raw)
		if err != nil && attempt < b.MaxTries && common.IsRetryable(err) {
			logger.Warn("[Workflow] Step attempt failed", "step", step, "attempt", attempt, "err", err)
		}
		return res, err
	})
	d := time.Since(started)
	e.rt.observer.StepFinished(step, d, err)
	if err != nil {
		logger.Error("[Workflow] Step failed", "step", step, "attempts", attempt, "err", err)
		return err
	}
	logger.Debug("[Workflow] Step finished", "step", step, "duration", d)

	e.state.complete(step)
	return decodeInto(res, out)
}

func (e *localEnv) Spawn(name Name, payload any, key string) Future {
	raw, err := marshalPayload(payload)
	if err != nil {
		return errFuture{err: err}
	}
	r, err := e.rt.start(e.rt.ctx, name, raw, key)
	if err != nil {
		return errFuture{err: err}
	}
	return localFuture{rt: e.rt, run: r}
}

func (e *localEnv) Now() time.Time {
	return time.Now()
}

type localFuture struct {
	rt  *LocalRuntime
	run *localRun
}

func (f localFuture) Get(out any) error {
	select {
	case <-f.run.done:
		return f.run.Result(context.Background(), out)
	case <-f.rt.ctx.Done():
		return common.NewError(common.KindTransient, "runtime_closed", "local runtime is closed")
	}
}

type errFuture struct {
	err error
}

func (f errFuture) Get(any) error {
	return f.err
}
