package firestore

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/werkstatt-flow/api/internal/domain"
)

// Field names of the vehicle order documents in the fahrzeuge collection.
const (
	fieldPrimaryService   = "serviceTyp"
	fieldAdditional       = "additionalServices"
	fieldServiceStatuses  = "serviceStatuses"
	fieldStatus           = "status"
	fieldProcessStatus    = "prozessStatus"
	fieldStatusHistory    = "statusHistory"
	fieldPartnerRequestID = "partnerAnfrageId"
	fieldPartnerID        = "partnerId"
	fieldLicensePlate     = "kennzeichen"
	fieldCustomerName     = "kundenName"
	fieldAgreedPrice      = "vereinbarterPreis"
	fieldEstimate         = "kva"
	fieldInvoice          = "rechnung"
	fieldInvoicePending   = "rechnungPending"
	fieldCompletedAt      = "abgeschlossenAm"
	fieldCreatedAt        = "createdAt"
	fieldLastModified     = "lastModified"

	invoicePeriodPath = fieldInvoice + ".zeitraum"
)

// decodeOrder turns a stored document into a RawOrder. The multi-service
// fields are kept in their stored shape; everything else is best effort so a
// malformed optional field never hides the order.
func decodeOrder(id string, data map[string]any) (domain.RawOrder, error) {
	if data == nil {
		return domain.RawOrder{}, fmt.Errorf("order %s: empty document", id)
	}
	order := domain.Order{
		ID:                  id,
		PrimaryService:      domain.ServiceType(asString(data[fieldPrimaryService])),
		LegacyStatus:        asString(data[fieldStatus]),
		LegacyProcessStatus: asString(data[fieldProcessStatus]),
		LegacyHistory:       decodeHistory(data[fieldStatusHistory]),
		PartnerRequestID:    asString(data[fieldPartnerRequestID]),
		PartnerID:           asString(data[fieldPartnerID]),
		LicensePlate:        asString(data[fieldLicensePlate]),
		CustomerName:        asString(data[fieldCustomerName]),
		InvoicePending:      asBool(data[fieldInvoicePending]),
		CreatedAt:           asTime(data[fieldCreatedAt]),
		LastModified:        asTime(data[fieldLastModified]),
		Quote:               decodeQuote(data),
	}
	if completed := asTime(data[fieldCompletedAt]); !completed.IsZero() {
		order.CompletedAt = &completed
	}
	if invoice, ok := data[fieldInvoice].(map[string]any); ok && asString(invoice["rechnungsnummer"]) != "" {
		decoded := decodeInvoice(invoice)
		order.Invoice = &decoded
	}

	raw := domain.RawOrder{
		Order:         order,
		RawAdditional: decodeServiceList(data[fieldAdditional], fieldExists(data, fieldAdditional)),
		RawStatuses:   decodeStatuses(data[fieldServiceStatuses]),
	}
	return raw, nil
}

func fieldExists(data map[string]any, key string) bool {
	_, ok := data[key]
	return ok
}

func decodeServiceList(value any, present bool) domain.RawServiceList {
	if !present || value == nil {
		return domain.RawServiceList{Kind: domain.RawListMissing}
	}
	switch v := value.(type) {
	case []any:
		out := domain.RawServiceList{Kind: domain.RawListArray, Values: make([]string, 0, len(v))}
		for _, item := range v {
			out.Values = append(out.Values, asString(item))
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		out := domain.RawServiceList{Kind: domain.RawListObject, Values: make([]string, 0, len(v))}
		for _, key := range keys {
			out.Values = append(out.Values, asString(v[key]))
		}
		return out
	default:
		return domain.RawServiceList{Kind: domain.RawListInvalid}
	}
}

func decodeStatuses(value any) map[string]domain.RawStatusEntry {
	entries, ok := value.(map[string]any)
	if !ok || len(entries) == 0 {
		return nil
	}
	out := make(map[string]domain.RawStatusEntry, len(entries))
	for key, raw := range entries {
		switch v := raw.(type) {
		case string:
			out[key] = domain.RawStatusEntry{Kind: domain.RawEntryString, Status: v}
		case map[string]any:
			status, ok := v[fieldStatus].(string)
			if !ok {
				out[key] = domain.RawStatusEntry{Kind: domain.RawEntryInvalid}
				continue
			}
			out[key] = domain.RawStatusEntry{
				Kind:      domain.RawEntryObject,
				Status:    status,
				Timestamp: asTime(v["timestamp"]),
				History:   decodeHistory(v["history"]),
			}
		default:
			out[key] = domain.RawStatusEntry{Kind: domain.RawEntryInvalid}
		}
	}
	return out
}

func decodeHistory(value any) []domain.StatusHistoryRecord {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]domain.StatusHistoryRecord, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, domain.StatusHistoryRecord{
			ID:             asString(m["id"]),
			Status:         asString(m["status"]),
			PreviousStatus: asString(m["previousStatus"]),
			Timestamp:      asTime(m["timestamp"]),
			ActorID:        asString(m["actorId"]),
			ActorName:      firstNonEmpty(asString(m["actorName"]), asString(m["user"])),
			ActorRole:      asString(m["actorRole"]),
			PhotoRef:       asString(m["photoRef"]),
			Note:           asString(m["note"]),
			Override:       asBool(m["override"]),
			OverrideReason: asString(m["overrideReason"]),
		})
	}
	return out
}

func encodeHistoryRecord(r domain.StatusHistoryRecord) map[string]any {
	out := map[string]any{
		"id":        r.ID,
		"status":    r.Status,
		"timestamp": r.Timestamp.UTC(),
		"actorId":   r.ActorID,
		"actorName": r.ActorName,
	}
	if r.PreviousStatus != "" {
		out["previousStatus"] = r.PreviousStatus
	}
	if r.ActorRole != "" {
		out["actorRole"] = r.ActorRole
	}
	if r.PhotoRef != "" {
		out["photoRef"] = r.PhotoRef
	}
	if r.Note != "" {
		out["note"] = r.Note
	}
	if r.Override {
		out["override"] = true
		out["overrideReason"] = r.OverrideReason
	}
	return out
}

func encodeHistory(records []domain.StatusHistoryRecord) []any {
	out := make([]any, 0, len(records))
	for _, r := range records {
		out = append(out, encodeHistoryRecord(r))
	}
	return out
}

func encodeEntry(entry domain.ServiceStatusEntry) map[string]any {
	return map[string]any{
		"status":    entry.Status,
		"timestamp": entry.Timestamp.UTC(),
		"history":   encodeHistory(entry.History),
	}
}

func encodeServices(services []domain.ServiceType) []any {
	out := make([]any, 0, len(services))
	for _, s := range services {
		out = append(out, string(s))
	}
	return out
}

// encodeOrder renders a new order document.
func encodeOrder(order domain.Order) map[string]any {
	statuses := make(map[string]any, len(order.ServiceStatuses))
	for service, entry := range order.ServiceStatuses {
		statuses[string(service)] = encodeEntry(entry)
	}
	doc := map[string]any{
		fieldPrimaryService:  string(order.PrimaryService),
		fieldAdditional:      encodeServices(order.AdditionalServices),
		fieldServiceStatuses: statuses,
		fieldStatus:          order.LegacyStatus,
		fieldProcessStatus:   order.LegacyProcessStatus,
		fieldStatusHistory:   encodeHistory(order.LegacyHistory),
		fieldInvoicePending:  order.InvoicePending,
		fieldCreatedAt:       order.CreatedAt.UTC(),
		fieldLastModified:    order.LastModified.UTC(),
	}
	setIfNotEmpty(doc, fieldPartnerRequestID, order.PartnerRequestID)
	setIfNotEmpty(doc, fieldPartnerID, order.PartnerID)
	setIfNotEmpty(doc, fieldLicensePlate, order.LicensePlate)
	setIfNotEmpty(doc, fieldCustomerName, order.CustomerName)
	if order.Quote.AgreedPrice != nil {
		doc[fieldAgreedPrice] = order.Quote.AgreedPrice.InexactFloat64()
	}
	if order.Quote.EstimateTotal != nil || order.Quote.EstimateGrossTotal != nil {
		kva := map[string]any{}
		if order.Quote.EstimateTotal != nil {
			kva["gesamt"] = order.Quote.EstimateTotal.InexactFloat64()
		}
		if order.Quote.EstimateGrossTotal != nil {
			kva["gesamtpreis"] = order.Quote.EstimateGrossTotal.InexactFloat64()
		}
		doc[fieldEstimate] = kva
	}
	if order.CompletedAt != nil {
		doc[fieldCompletedAt] = order.CompletedAt.UTC()
	}
	if order.Invoice != nil {
		doc[fieldInvoice] = encodeInvoice(*order.Invoice)
	}
	return doc
}

func decodeQuote(data map[string]any) domain.Quote {
	var quote domain.Quote
	quote.AgreedPrice = asDecimal(data[fieldAgreedPrice])
	if kva, ok := data[fieldEstimate].(map[string]any); ok {
		quote.EstimateTotal = asDecimal(kva["gesamt"])
		quote.EstimateGrossTotal = asDecimal(kva["gesamtpreis"])
	}
	return quote
}

const (
	invoiceStatusOpen = "offen"
	invoiceStatusPaid = "bezahlt"
)

func encodeInvoice(inv domain.Invoice) map[string]any {
	status := invoiceStatusOpen
	if inv.PaymentStatus == domain.PaymentPaid {
		status = invoiceStatusPaid
	}
	out := map[string]any{
		"rechnungsnummer": inv.Number,
		"zeitraum":        inv.Period,
		"bruttoBetrag":    inv.GrossAmount.InexactFloat64(),
		"rabattProzent":   inv.DiscountPercent.InexactFloat64(),
		"rabattFix":       inv.DiscountFixed.InexactFloat64(),
		"rabattBetrag":    inv.DiscountAmount.InexactFloat64(),
		"gesamtbetrag":    inv.NetAmount.InexactFloat64(),
		"mwstSatz":        inv.VATRate.InexactFloat64(),
		"mwst":            inv.VATAmount.InexactFloat64(),
		"bonusEingeloest": inv.BonusRedeemed,
		"status":          status,
		"faelligAm":       inv.DueDate.UTC(),
		"erstelltAm":      inv.CreatedAt.UTC(),
		"erstelltVon":     inv.CreatedBy,
	}
	if inv.PaidAt != nil {
		out["bezahltAm"] = inv.PaidAt.UTC()
		out["bezahltVon"] = inv.PaidBy
	}
	return out
}

func decodeInvoice(m map[string]any) domain.Invoice {
	inv := domain.Invoice{
		Number:          asString(m["rechnungsnummer"]),
		Period:          asString(m["zeitraum"]),
		GrossAmount:     decimalOrZero(m["bruttoBetrag"]),
		DiscountPercent: decimalOrZero(m["rabattProzent"]),
		DiscountFixed:   decimalOrZero(m["rabattFix"]),
		DiscountAmount:  decimalOrZero(m["rabattBetrag"]),
		NetAmount:       decimalOrZero(m["gesamtbetrag"]),
		VATRate:         decimalOrZero(m["mwstSatz"]),
		VATAmount:       decimalOrZero(m["mwst"]),
		BonusRedeemed:   asBool(m["bonusEingeloest"]),
		PaymentStatus:   domain.PaymentOpen,
		DueDate:         asTime(m["faelligAm"]),
		CreatedAt:       asTime(m["erstelltAm"]),
		CreatedBy:       asString(m["erstelltVon"]),
		PaidBy:          asString(m["bezahltVon"]),
	}
	if asString(m["status"]) == invoiceStatusPaid {
		inv.PaymentStatus = domain.PaymentPaid
	}
	if paid := asTime(m["bezahltAm"]); !paid.IsZero() {
		inv.PaidAt = &paid
	}
	return inv
}

func decodePartnerRequest(id string, data map[string]any) domain.PartnerRequest {
	return domain.PartnerRequest{
		ID:            id,
		OrderID:       asString(data["fahrzeugId"]),
		ServiceType:   domain.ServiceType(asString(data[fieldPrimaryService])),
		Status:        asString(data[fieldStatus]),
		ProcessStatus: asString(data[fieldProcessStatus]),
		LastModified:  asTime(data[fieldLastModified]),
	}
}

func encodePartnerRecord(r domain.PartnerStatusRecord) map[string]any {
	return map[string]any{
		"status":        r.Status,
		"prozessStatus": r.ProcessStatus,
		"service":       string(r.Service),
		"timestamp":     r.Timestamp.UTC(),
		"user":          r.ActorName,
	}
}

func decodePartnerDiscount(id string, data map[string]any) domain.PartnerDiscount {
	return domain.PartnerDiscount{
		PartnerID:     id,
		Percent:       decimalOrZero(data["rabattProzent"]),
		BonusFixed:    decimalOrZero(data["bonusBetrag"]),
		BonusRedeemed: asBool(data["bonusEingeloest"]),
	}
}

func setIfNotEmpty(doc map[string]any, key, value string) {
	if value != "" {
		doc[key] = value
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

// asDecimal accepts the number and string encodings found in older documents.
func asDecimal(v any) *decimal.Decimal {
	var d decimal.Decimal
	switch t := v.(type) {
	case float64:
		d = decimal.NewFromFloat(t)
	case int64:
		d = decimal.NewFromInt(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case string:
		cleaned := strings.ReplaceAll(strings.TrimSpace(t), ",", ".")
		if cleaned == "" {
			return nil
		}
		parsed, err := decimal.NewFromString(cleaned)
		if err != nil {
			return nil
		}
		d = parsed
	default:
		return nil
	}
	return &d
}

func decimalOrZero(v any) decimal.Decimal {
	if d := asDecimal(v); d != nil {
		return *d
	}
	return decimal.Zero
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
