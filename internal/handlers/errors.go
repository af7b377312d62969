package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/werkstatt-flow/api/internal/platform/httpx"
	"github.com/werkstatt-flow/api/internal/services"
	"github.com/werkstatt-flow/api/internal/workflow"
)

// writeEngineError maps workflow and service sentinels onto the JSON error
// envelope. Transition denials carry the decision in the details.
func writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var details map[string]any
	var transitionErr *workflow.TransitionError
	if errors.As(err, &transitionErr) {
		details = map[string]any{
			"kind":        string(transitionErr.Decision.Kind),
			"reason":      transitionErr.Decision.Reason,
			"service":     transitionErr.Service,
			"from":        transitionErr.From,
			"to":          transitionErr.To,
			"overridable": transitionErr.Decision.Kind.Overridable(),
		}
	}
	write := func(code string, status int, message string) {
		httpx.WriteError(ctx, w, httpx.NewError(code, message, status).WithDetails(details))
	}

	switch {
	case errors.Is(err, services.ErrInvalidInput):
		write("invalid_request", http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrOrderNotFound):
		write("order_not_found", http.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrOrderExists):
		write("order_exists", http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrServiceNotAttached):
		write("service_not_attached", http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, services.ErrPrimaryServiceImmutable):
		write("primary_service_immutable", http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrOverrideNotPermitted):
		write("override_not_permitted", http.StatusForbidden, "override requires an authorised actor")
	case errors.Is(err, services.ErrOverrideNotConfirmed):
		write("override_not_confirmed", http.StatusUnprocessableEntity, "override requires confirmation and a reason")
	case errors.Is(err, workflow.ErrUnknownService):
		write("unknown_service", http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, workflow.ErrInvalidStatus):
		write("invalid_status", http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, workflow.ErrBackwardTransition):
		write("backward_transition", http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrTooManySkipped):
		write("too_many_skipped", http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrWriteConflict):
		write("write_conflict", http.StatusConflict, "order changed concurrently, retry the request")
	case errors.Is(err, services.ErrCounterAllocationExhausted):
		write("invoice_counter_busy", http.StatusServiceUnavailable, "invoice numbering is busy, retry later")
	case errors.Is(err, services.ErrInvoiceExists):
		write("invoice_exists", http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrInvoiceMissing):
		write("invoice_missing", http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrOrderIncomplete):
		write("order_incomplete", http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrNoQuote):
		write("no_quote", http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		write("timeout", http.StatusGatewayTimeout, "request timed out")
	default:
		write("internal_error", http.StatusInternalServerError, "failed to process request")
	}
}

func writeHTTPError(ctx context.Context, w http.ResponseWriter, err error) {
	var httpErr httpx.Error
	if errors.As(err, &httpErr) {
		httpx.WriteError(ctx, w, httpErr)
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}
