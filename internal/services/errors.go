package services

import (
	"errors"

	"github.com/werkstatt-flow/api/internal/workflow"
)

var (
	// ErrInvalidInput signals the caller provided invalid data.
	ErrInvalidInput = errors.New("workflow engine: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("workflow engine: order not found")
	// ErrOrderExists indicates an order with the same id was already created.
	ErrOrderExists = errors.New("workflow engine: order already exists")
	// ErrServiceNotAttached indicates a status change for a service the order does not carry.
	ErrServiceNotAttached = errors.New("workflow engine: service not attached to order")
	// ErrPrimaryServiceImmutable indicates an attempt to remove or replace the primary service.
	ErrPrimaryServiceImmutable = errors.New("workflow engine: primary service cannot be changed")
	// ErrOverrideNotPermitted indicates an override request from an actor without override privilege.
	ErrOverrideNotPermitted = errors.New("workflow engine: override not permitted")
	// ErrOverrideNotConfirmed indicates an override request without explicit confirmation or reason.
	ErrOverrideNotConfirmed = errors.New("workflow engine: override not confirmed")
	// ErrWriteConflict indicates the order kept changing concurrently until retries ran out.
	ErrWriteConflict = errors.New("workflow engine: write conflict")
	// ErrCounterAllocationExhausted indicates invoice number allocation kept conflicting.
	ErrCounterAllocationExhausted = errors.New("workflow engine: invoice counter allocation exhausted")
	// ErrInvoiceExists indicates the order already carries an invoice.
	ErrInvoiceExists = errors.New("workflow engine: invoice already exists")
	// ErrInvoiceMissing indicates a payment update for an order without an invoice.
	ErrInvoiceMissing = errors.New("workflow engine: order has no invoice")
	// ErrOrderIncomplete indicates invoicing was requested before every service finished.
	ErrOrderIncomplete = errors.New("workflow engine: order has unfinished services")
	// ErrNoQuote indicates invoicing was requested for an order without a positive quote.
	ErrNoQuote = errors.New("workflow engine: order has no quote")
)

// Workflow sentinels re-exported for callers that only import services.
var (
	ErrUnknownService     = workflow.ErrUnknownService
	ErrInvalidStatus      = workflow.ErrInvalidStatus
	ErrBackwardTransition = workflow.ErrBackwardTransition
	ErrTooManySkipped     = workflow.ErrTooManySkipped
)
