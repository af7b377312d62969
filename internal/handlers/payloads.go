package handlers

import (
	"time"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/services"
	"github.com/werkstatt-flow/api/internal/workflow"
)

type orderPayload struct {
	ID                 string           `json:"id"`
	PrimaryService     string           `json:"primary_service"`
	AdditionalServices []string         `json:"additional_services"`
	LicensePlate       string           `json:"license_plate,omitempty"`
	CustomerName       string           `json:"customer_name,omitempty"`
	PartnerRequestID   string           `json:"partner_request_id,omitempty"`
	Complete           bool             `json:"complete"`
	CompletedAt        *string          `json:"completed_at,omitempty"`
	InvoicePending     bool             `json:"invoice_pending"`
	Invoice            *invoicePayload  `json:"invoice,omitempty"`
	Services           []servicePayload `json:"services"`
	Repairs            []string         `json:"repairs,omitempty"`
	CreatedAt          string           `json:"created_at,omitempty"`
	UpdatedAt          string           `json:"updated_at,omitempty"`
}

type servicePayload struct {
	Service   string           `json:"service"`
	Label     string           `json:"label"`
	Primary   bool             `json:"primary"`
	Status    string           `json:"status"`
	Portal    string           `json:"portal_status"`
	Position  int              `json:"position"`
	Steps     []string         `json:"steps"`
	Terminal  bool             `json:"terminal"`
	WorkStep  bool             `json:"work_step"`
	BlockedBy []string         `json:"blocked_by,omitempty"`
	History   []historyPayload `json:"history"`
}

type historyPayload struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
	Timestamp      string `json:"timestamp"`
	ActorID        string `json:"actor_id,omitempty"`
	ActorName      string `json:"actor_name,omitempty"`
	PhotoRef       string `json:"photo_ref,omitempty"`
	Note           string `json:"note,omitempty"`
	Override       bool   `json:"override,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`
}

type invoicePayload struct {
	Number          string  `json:"number"`
	Period          string  `json:"period"`
	GrossAmount     string  `json:"gross_amount"`
	DiscountPercent string  `json:"discount_percent"`
	DiscountFixed   string  `json:"discount_fixed"`
	DiscountAmount  string  `json:"discount_amount"`
	NetAmount       string  `json:"net_amount"`
	VATRate         string  `json:"vat_rate"`
	VATAmount       string  `json:"vat_amount"`
	BonusRedeemed   bool    `json:"bonus_redeemed"`
	PaymentStatus   string  `json:"payment_status"`
	DueDate         string  `json:"due_date"`
	CreatedAt       string  `json:"created_at"`
	PaidAt          *string `json:"paid_at,omitempty"`
	PaidBy          string  `json:"paid_by,omitempty"`
}

type statusPayload struct {
	Order         orderPayload    `json:"order"`
	Service       string          `json:"service"`
	Previous      string          `json:"previous_status"`
	Status        string          `json:"status"`
	PortalStatus  string          `json:"portal_status"`
	Unchanged     bool            `json:"unchanged"`
	Override      bool            `json:"override"`
	Complete      bool            `json:"complete"`
	PartnerSynced bool            `json:"partner_synced"`
	BlockedBy     []string        `json:"blocked_by,omitempty"`
	Invoice       *invoicePayload `json:"invoice,omitempty"`
	InvoiceError  string          `json:"invoice_error,omitempty"`
}

func newOrderPayload(view services.OrderView) orderPayload {
	order := view.Order
	payload := orderPayload{
		ID:                 order.ID,
		PrimaryService:     string(order.PrimaryService),
		AdditionalServices: serviceStrings(order.AdditionalServices),
		LicensePlate:       order.LicensePlate,
		CustomerName:       order.CustomerName,
		PartnerRequestID:   order.PartnerRequestID,
		Complete:           view.Complete,
		CompletedAt:        formatTimePtr(order.CompletedAt),
		InvoicePending:     order.InvoicePending,
		Services:           make([]servicePayload, 0, len(view.Services)),
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.LastModified),
	}
	if order.Invoice != nil {
		inv := newInvoicePayload(*order.Invoice)
		payload.Invoice = &inv
	}
	for _, sv := range view.Services {
		payload.Services = append(payload.Services, newServicePayload(sv))
	}
	for _, issue := range view.Issues {
		payload.Repairs = append(payload.Repairs, string(issue.Kind))
	}
	return payload
}

func newServicePayload(sv services.ServiceView) servicePayload {
	history := make([]historyPayload, 0, len(sv.History))
	for _, rec := range sv.History {
		history = append(history, historyPayload{
			ID:             rec.ID,
			Status:         rec.Status,
			PreviousStatus: rec.PreviousStatus,
			Timestamp:      formatTime(rec.Timestamp),
			ActorID:        rec.ActorID,
			ActorName:      rec.ActorName,
			PhotoRef:       rec.PhotoRef,
			Note:           rec.Note,
			Override:       rec.Override,
			OverrideReason: rec.OverrideReason,
		})
	}
	return servicePayload{
		Service:   string(sv.Service),
		Label:     sv.Label,
		Primary:   sv.Primary,
		Status:    sv.Status,
		Portal:    sv.Portal,
		Position:  sv.Position,
		Steps:     sv.Steps,
		Terminal:  sv.Terminal,
		WorkStep:  sv.WorkStep,
		BlockedBy: serviceStrings(sv.BlockedBy),
		History:   history,
	}
}

func newInvoicePayload(inv domain.Invoice) invoicePayload {
	return invoicePayload{
		Number:          inv.Number,
		Period:          inv.Period,
		GrossAmount:     inv.GrossAmount.StringFixed(2),
		DiscountPercent: inv.DiscountPercent.String(),
		DiscountFixed:   inv.DiscountFixed.StringFixed(2),
		DiscountAmount:  inv.DiscountAmount.StringFixed(2),
		NetAmount:       inv.NetAmount.StringFixed(2),
		VATRate:         inv.VATRate.String(),
		VATAmount:       inv.VATAmount.StringFixed(2),
		BonusRedeemed:   inv.BonusRedeemed,
		PaymentStatus:   string(inv.PaymentStatus),
		DueDate:         inv.DueDate.UTC().Format(time.DateOnly),
		CreatedAt:       formatTime(inv.CreatedAt),
		PaidAt:          formatTimePtr(inv.PaidAt),
		PaidBy:          inv.PaidBy,
	}
}

func newStatusPayload(result services.ApplyStatusResult, catalog *workflow.Catalog) statusPayload {
	payload := statusPayload{
		Order:         newOrderPayload(services.OrderView{Order: result.Order, Services: result.Services, Complete: result.Complete}),
		Service:       string(result.Service),
		Previous:      result.Previous,
		Status:        result.Status,
		Unchanged:     result.Unchanged,
		Override:      result.Override,
		Complete:      result.Complete,
		PartnerSynced: result.PartnerSynced,
		BlockedBy:     serviceStrings(result.BlockedBy),
	}
	if catalog != nil {
		payload.PortalStatus = catalog.PortalStatus(result.Service, result.Status)
	}
	if result.Invoice != nil {
		inv := newInvoicePayload(*result.Invoice)
		payload.Invoice = &inv
	}
	if result.InvoiceError != nil {
		payload.InvoiceError = result.InvoiceError.Error()
	}
	return payload
}

func serviceStrings(in []domain.ServiceType) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

type photoUploadPayload struct {
	PhotoRef  string            `json:"photo_ref"`
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ExpiresAt string            `json:"expires_at"`
}
