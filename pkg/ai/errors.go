package ai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/OFFIS-RIT/kgraph/pkg/common"

	"github.com/sony/gobreaker"
)

// Classify maps a raw client error onto the shared error taxonomy.
//
// Malformed model output (repair failures, JSON type mismatches) becomes
// KindMalformed. Provider and network failures, per-call deadlines and an
// open circuit breaker become KindTransient. Errors that already carry a
// kind and context cancellation are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var typed *common.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, ErrMalformedOutput),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):
		return common.Malformed("model_output", err)
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return common.Transient("circuit_open", err)
	case errors.Is(err, context.DeadlineExceeded):
		return common.Transient("timeout", err)
	default:
		return common.Transient("provider", err)
	}
}
