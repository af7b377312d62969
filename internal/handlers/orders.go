package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/platform/auth"
	"github.com/werkstatt-flow/api/internal/platform/httpx"
	"github.com/werkstatt-flow/api/internal/platform/idempotency"
	"github.com/werkstatt-flow/api/internal/platform/requestctx"
	"github.com/werkstatt-flow/api/internal/platform/storage"
	"github.com/werkstatt-flow/api/internal/services"
	"github.com/werkstatt-flow/api/internal/workflow"
)

var staffRoles = []string{auth.RoleMitarbeiter, auth.RoleWerkstatt, auth.RoleAdmin}

type statusRequest struct {
	Service        string           `json:"service" validate:"omitempty,max=40"`
	Status         string           `json:"status" validate:"required,max=60"`
	ContextService string           `json:"context_service" validate:"omitempty,max=40"`
	PhotoRef       string           `json:"photo_ref" validate:"omitempty,max=512"`
	Note           string           `json:"note" validate:"omitempty,max=2000"`
	Override       *overrideRequest `json:"override"`
}

type overrideRequest struct {
	Confirmed bool   `json:"confirmed"`
	Reason    string `json:"reason" validate:"omitempty,max=500"`
}

type createOrderRequest struct {
	ID                 string           `json:"id" validate:"omitempty,max=64"`
	PrimaryService     string           `json:"primary_service" validate:"required,max=40"`
	AdditionalServices []string         `json:"additional_services" validate:"omitempty,max=12,dive,required,max=40"`
	LicensePlate       string           `json:"license_plate" validate:"required,max=16"`
	CustomerName       string           `json:"customer_name" validate:"omitempty,max=200"`
	PartnerRequestID   string           `json:"partner_request_id" validate:"omitempty,max=64"`
	PartnerID          string           `json:"partner_id" validate:"omitempty,max=64"`
	AgreedPrice        *decimal.Decimal `json:"agreed_price"`
}

type addServiceRequest struct {
	Service string `json:"service" validate:"required,max=40"`
}

type photoUploadRequest struct {
	ContentType string `json:"content_type" validate:"required,max=40"`
}

// photoUploader signs photo uploads; *storage.PhotoUploads in production.
type photoUploader interface {
	SignUpload(ctx context.Context, orderID, contentType string) (storage.PhotoUpload, error)
	Owns(ref string) bool
	BelongsTo(orderID, ref string) bool
}

// OrderHandlers exposes the workshop endpoints that move repair orders
// through their service workflows.
type OrderHandlers struct {
	authn         *auth.Authenticator
	statuses      services.StatusService
	invoices      services.InvoiceService
	resolver      *workflow.Resolver
	requirePhotos bool
	limiter       rateLimiter
	guard         *idempotency.Guard
	photos        photoUploader
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithRequirePhotos rejects work-step transitions that carry no photo reference.
func WithRequirePhotos(required bool) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.requirePhotos = required
	}
}

// WithStatusRateLimit bounds status updates per actor within window.
func WithStatusRateLimit(limit int, window time.Duration, clock func() time.Time) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.limiter = newWindowRateLimiter(limit, window, clock)
	}
}

// WithIdempotency replays responses of retried POSTs that carry an
// Idempotency-Key header.
func WithIdempotency(guard *idempotency.Guard) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.guard = guard
	}
}

// WithPhotoUploads enables signed photo uploads and rejects photo refs of
// other orders.
func WithPhotoUploads(uploads *storage.PhotoUploads) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if uploads != nil {
			h.photos = uploads
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, statuses services.StatusService, invoices services.InvoiceService, resolver *workflow.Resolver, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		statuses: statuses,
		invoices: invoices,
		resolver: resolver,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(staffRoles...))
	}
	r.Get("/{orderID}", h.getOrder)
	r.Delete("/{orderID}/services/{service}", h.removeService)
	r.Group(func(writes chi.Router) {
		writes.Use(h.guard.Middleware)
		writes.Post("/", h.createOrder)
		writes.Post("/{orderID}/status", h.updateStatus)
		writes.Post("/{orderID}/services", h.addService)
		writes.Post("/{orderID}/photos:sign", h.signPhotoUpload)
		writes.Group(func(lead chi.Router) {
			lead.Use(requireRoles(auth.RoleWerkstatt, auth.RoleAdmin))
			lead.Post("/{orderID}/invoice:generate", h.generateInvoice)
			lead.Post("/{orderID}/invoice:markPaid", h.markInvoicePaid)
		})
	})
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.statuses == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	var req createOrderRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		writeHTTPError(ctx, w, err)
		return
	}
	view, err := h.statuses.CreateOrder(ctx, services.CreateOrderCommand{
		ID:                 req.ID,
		PrimaryService:     req.PrimaryService,
		AdditionalServices: req.AdditionalServices,
		LicensePlate:       req.LicensePlate,
		CustomerName:       req.CustomerName,
		PartnerRequestID:   req.PartnerRequestID,
		PartnerID:          req.PartnerID,
		AgreedPrice:        req.AgreedPrice,
		Actor:              actorFrom(ctx),
	})
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newOrderPayload(view))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.statuses == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	view, err := h.statuses.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(view))
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.statuses == nil || h.resolver == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	actor := actorFrom(ctx)
	if h.limiter != nil {
		if ok, wait := h.limiter.Allow(actor.ID); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)+1))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many status updates", http.StatusTooManyRequests))
			return
		}
	}

	var req statusRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		writeHTTPError(ctx, w, err)
		return
	}
	orderID := chi.URLParam(r, "orderID")
	if ref := strings.TrimSpace(req.PhotoRef); ref != "" && h.photos != nil && h.photos.Owns(ref) && !h.photos.BelongsTo(orderID, ref) {
		httpx.WriteError(ctx, w, httpx.NewError("photo_ref_mismatch", "photo was uploaded for another order", http.StatusUnprocessableEntity))
		return
	}

	needsPhoto, err := h.photoRequired(ctx, orderID, req)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	if needsPhoto {
		httpx.WriteError(ctx, w, httpx.NewError("photo_required", "a photo is required for work steps", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"target": req.Status}))
		return
	}

	cmd := services.ApplyStatusCommand{
		OrderID:        orderID,
		Service:        req.Service,
		Status:         req.Status,
		ContextService: req.ContextService,
		Actor:          actor,
		PhotoRef:       req.PhotoRef,
		Note:           req.Note,
	}
	if req.Override != nil {
		cmd.Override = &services.OverrideRequest{Confirmed: req.Override.Confirmed, Reason: req.Override.Reason}
	}

	result, err := h.statuses.Apply(ctx, cmd)
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newStatusPayload(result, h.resolver.Catalog()))
}

// photoRequired resolves the target step the same way the engine will and
// reports whether it is a work step. Resolution failures are left to the engine.
func (h *OrderHandlers) photoRequired(ctx context.Context, orderID string, req statusRequest) (bool, error) {
	if !h.requirePhotos || strings.TrimSpace(req.PhotoRef) != "" {
		return false, nil
	}
	contextService, _ := h.resolver.NormalizeService(req.ContextService)
	service, ok := h.resolver.NormalizeService(req.Service)
	if !ok {
		view, err := h.statuses.GetOrder(ctx, orderID)
		if err != nil {
			return false, err
		}
		candidates := make([]domain.ServiceType, 0, len(view.Services))
		for _, sv := range view.Services {
			candidates = append(candidates, sv.Service)
		}
		service, ok = h.resolver.ResolveService(req.Status, contextService, candidates...)
		if !ok {
			return false, nil
		}
	}
	resolution, err := h.resolver.Canonicalize(service, req.Status, contextService)
	if err != nil {
		return false, nil
	}
	return h.resolver.Catalog().IsWorkStep(service, resolution.Status), nil
}

func (h *OrderHandlers) signPhotoUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.photos == nil || h.statuses == nil {
		writeUnavailable(ctx, w, "photo upload")
		return
	}
	var req photoUploadRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		writeHTTPError(ctx, w, err)
		return
	}
	orderID := chi.URLParam(r, "orderID")
	if _, err := h.statuses.GetOrder(ctx, orderID); err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	upload, err := h.photos.SignUpload(ctx, orderID, req.ContentType)
	switch {
	case errors.Is(err, storage.ErrContentTypeNotAllowed):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_media_type", "photos must be JPEG, PNG, WebP or HEIC", http.StatusUnprocessableEntity))
		return
	case errors.Is(err, storage.ErrInvalidOrderID):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid order id", http.StatusBadRequest))
		return
	case err != nil:
		requestctx.Logger(ctx).Error("photo upload signing failed", zap.String("orderId", orderID), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("photo_upload_unavailable", "unable to prepare photo upload", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, photoUploadPayload{
		PhotoRef:  upload.PhotoRef,
		UploadURL: upload.URL,
		Method:    upload.Method,
		Headers:   upload.Headers,
		ExpiresAt: formatTime(upload.ExpiresAt),
	})
}

func (h *OrderHandlers) addService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.statuses == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	var req addServiceRequest
	if err := httpx.Decode(w, r, &req); err != nil {
		writeHTTPError(ctx, w, err)
		return
	}
	view, err := h.statuses.AddService(ctx, services.ServiceChangeCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Service: req.Service,
		Actor:   actorFrom(ctx),
	})
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(view))
}

func (h *OrderHandlers) removeService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.statuses == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	view, err := h.statuses.RemoveService(ctx, services.ServiceChangeCommand{
		OrderID: chi.URLParam(r, "orderID"),
		Service: chi.URLParam(r, "service"),
		Actor:   actorFrom(ctx),
	})
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderPayload(view))
}

func (h *OrderHandlers) generateInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		writeUnavailable(ctx, w, "invoice")
		return
	}
	invoice, err := h.invoices.GenerateInvoice(ctx, chi.URLParam(r, "orderID"), actorFrom(ctx))
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newInvoicePayload(invoice))
}

func (h *OrderHandlers) markInvoicePaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		writeUnavailable(ctx, w, "invoice")
		return
	}
	invoice, err := h.invoices.MarkInvoicePaid(ctx, chi.URLParam(r, "orderID"), actorFrom(ctx))
	if err != nil {
		writeEngineError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newInvoicePayload(invoice))
}

// requireRoles narrows a group that is already behind RequireFirebaseAuth.
func requireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFromContext(r.Context())
			if ok {
				for _, role := range roles {
					if identity.HasRole(role) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			httpx.WriteError(r.Context(), w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
		})
	}
}

func actorFrom(ctx context.Context) domain.Actor {
	if actor, ok := requestctx.Actor(ctx); ok {
		return actor
	}
	return domain.Actor{}
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}
