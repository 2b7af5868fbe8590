package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/logger"

	"github.com/labstack/echo/v4"
)

// statusOf maps an error kind to the HTTP status returned for it.
func statusOf(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch common.KindOf(err) {
	case common.KindInvalid:
		return http.StatusBadRequest
	case common.KindPermission:
		return http.StatusForbidden
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindConflict:
		return http.StatusConflict
	case common.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(c echo.Context, err error) error {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Error("[Server] Request failed", "path", c.Path(), "err", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error(), "kind": string(common.KindOf(err))})
}

func bindAndValidate(c echo.Context, body any) error {
	if err := c.Bind(body); err != nil {
		return common.Invalid("body", err)
	}
	if err := c.Validate(body); err != nil {
		return common.Invalid("body", err)
	}
	return nil
}
