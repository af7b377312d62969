package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/werkstatt-flow/api/internal/platform/auth"
	"github.com/werkstatt-flow/api/internal/platform/httpx"
	"github.com/werkstatt-flow/api/internal/services"
)

const (
	xlsxContentType       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	defaultReconcileLimit = 200
	maxReconcileLimit     = 1000
)

// AdminInvoiceHandlers serves the accounting exports.
type AdminInvoiceHandlers struct {
	authn    *auth.Authenticator
	exporter services.InvoiceExporter
}

func NewAdminInvoiceHandlers(authn *auth.Authenticator, exporter services.InvoiceExporter) *AdminInvoiceHandlers {
	return &AdminInvoiceHandlers{authn: authn, exporter: exporter}
}

// Routes registers the /admin endpoints.
func (h *AdminInvoiceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Get("/invoices/export", h.exportMonth)
}

func (h *AdminInvoiceHandlers) exportMonth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.exporter == nil {
		writeUnavailable(ctx, w, "invoice_export")
		return
	}
	month, err := time.Parse("2006-01", strings.TrimSpace(r.URL.Query().Get("month")))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_month", "month must be formatted as YYYY-MM", http.StatusBadRequest))
		return
	}

	// The workbook is rendered fully before any byte is written so failures
	// still produce a JSON error.
	var buf bytes.Buffer
	count, err := h.exporter.ExportMonth(ctx, month.Year(), month.Month(), &buf)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="rechnungen-%s.xlsx"`, month.Format("2006-01")))
	w.Header().Set("X-Invoice-Count", strconv.Itoa(count))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// InternalInvoiceHandlers serves scheduler-triggered invoice maintenance.
// Authentication is applied by the /internal group middleware.
type InternalInvoiceHandlers struct {
	invoices services.InvoiceService
}

func NewInternalInvoiceHandlers(invoices services.InvoiceService) *InternalInvoiceHandlers {
	return &InternalInvoiceHandlers{invoices: invoices}
}

// Routes registers the /internal endpoints.
func (h *InternalInvoiceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/invoices:reconcile", h.reconcile)
}

type reconcilePayload struct {
	Scanned  int               `json:"scanned"`
	Created  []string          `json:"created"`
	Skipped  map[string]string `json:"skipped"`
	Failures map[string]string `json:"failures"`
}

func (h *InternalInvoiceHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		writeUnavailable(ctx, w, "invoice")
		return
	}
	limit := defaultReconcileLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_limit", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = min(parsed, maxReconcileLimit)
	}

	report, err := h.invoices.ReconcilePendingInvoices(ctx, limit)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	payload := reconcilePayload{
		Scanned:  report.Scanned,
		Created:  report.Created,
		Skipped:  report.Skipped,
		Failures: report.Failures,
	}
	if payload.Created == nil {
		payload.Created = []string{}
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}
