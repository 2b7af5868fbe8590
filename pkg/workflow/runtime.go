package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
)

// Runtime starts workflows. Spawning the same key while a run with that
// key is in flight returns the running handle.
type Runtime interface {
	Spawn(ctx context.Context, name Name, payload any, key string) (Handle, error)
	Close() error
}

// Handle is a started workflow run.
type Handle interface {
	ID() string
	// Result waits for the run and decodes its result into out.
	Result(ctx context.Context, out any) error
}

// Env is what a workflow body sees of its runtime. Bodies only talk to the
// outside world through Step and Spawn so the same body runs in-process and
// as a Temporal workflow.
type Env interface {
	// Step runs the activity registered for step with in and decodes its
	// result into out, retrying and timing out according to the step policy.
	Step(step StepName, in any, out any) error
	// Spawn starts a child workflow under key.
	Spawn(name Name, payload any, key string) Future
	// Now is the workflow clock.
	Now() time.Time
}

// Future is the pending result of a spawned child.
type Future interface {
	Get(out any) error
}

// Join waits for every future. A failed child never stops the others; its
// error is returned at its index.
func Join(futures []Future, outs []any) []error {
	errs := make([]error, len(futures))
	for i, f := range futures {
		var out any
		if i < len(outs) {
			out = outs[i]
		}
		errs[i] = f.Get(out)
	}
	return errs
}

// Body is the logic of one workflow.
type Body func(env Env, payload []byte) (any, error)

var bodies = map[Name]Body{
	WorkflowExtractAndStore:     extractAndStore,
	WorkflowCreateGraph:         createGraph,
	WorkflowEnrichGraph:         enrichGraph,
	WorkflowCommunitySummary:    communitySummary,
	WorkflowEntityDeduplication: entityDeduplication,
}

// leaf workflows never spawn children and run on the bounded pool of the
// local runtime.
func isLeaf(name Name) bool {
	return name == WorkflowExtractAndStore || name == WorkflowCommunitySummary
}

// ActivityFunc is the serialized form of a step.
type ActivityFunc func(ctx context.Context, in []byte) ([]byte, error)

func activity[In, Out any](fn func(ctx context.Context, in In) (Out, error)) ActivityFunc {
	return func(ctx context.Context, raw []byte) ([]byte, error) {
		var in In
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, common.Invalid("activity_input", err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

// runState tracks the steps a run completed so far.
type runState struct {
	policies Policies
	done     map[StepName]bool
}

func newRunState(policies Policies) *runState {
	return &runState{policies: policies, done: make(map[StepName]bool)}
}

func (r *runState) begin(step StepName) (Policy, error) {
	policy := r.policies.Get(step)
	for _, parent := range policy.Parents {
		if !r.done[parent] {
			return policy, common.WrapError(common.KindInternal, "step_order",
				fmt.Errorf("step %s started before its parent %s completed", step, parent))
		}
	}
	return policy, nil
}

func (r *runState) complete(step StepName) {
	r.done[step] = true
}

// Observer receives run and step events. Implementations must be safe for
// concurrent use.
type Observer interface {
	StepFinished(step StepName, d time.Duration, err error)
	WorkflowFinished(name Name, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) StepFinished(StepName, time.Duration, error)  {}
func (nopObserver) WorkflowFinished(Name, time.Duration, error) {}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, common.Invalid("payload", err)
		}
		return raw, nil
	}
}

func decodeInto(raw []byte, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
