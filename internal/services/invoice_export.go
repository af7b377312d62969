package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/repositories"
)

const invoiceSheet = "Rechnungen"

var invoiceHeaders = []any{
	"Rechnungsnummer", "Rechnungsdatum", "Auftrag", "Kennzeichen", "Kunde",
	"Brutto", "Rabatt", "Rechnungsbetrag", "MwSt-Satz", "MwSt", "Status", "Fällig am", "Bezahlt am",
}

// InvoiceWorkbookExporter writes one month of invoices as an xlsx workbook.
type InvoiceWorkbookExporter struct {
	orders repositories.OrderRepository
}

var _ InvoiceExporter = (*InvoiceWorkbookExporter)(nil)

func NewInvoiceExporter(orders repositories.OrderRepository) (*InvoiceWorkbookExporter, error) {
	if orders == nil {
		return nil, errors.New("invoice exporter: order repository is required")
	}
	return &InvoiceWorkbookExporter{orders: orders}, nil
}

// ExportMonth writes the workbook to w and returns the number of invoices.
func (e *InvoiceWorkbookExporter) ExportMonth(ctx context.Context, year int, month time.Month, w io.Writer) (int, error) {
	if year < 2000 || month < time.January || month > time.December {
		return 0, fmt.Errorf("%w: invalid period %04d-%02d", ErrInvalidInput, year, int(month))
	}
	period := fmt.Sprintf("%04d-%02d", year, int(month))
	orders, err := e.orders.ListInvoicesByPeriod(ctx, period)
	if err != nil {
		return 0, fmt.Errorf("list invoices %s: %w", period, err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", invoiceSheet); err != nil {
		return 0, err
	}
	if err := f.SetSheetRow(invoiceSheet, "A1", &invoiceHeaders); err != nil {
		return 0, err
	}
	if style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetCellStyle(invoiceSheet, "A1", "M1", style)
	}

	gross, net, vat := decimal.Zero, decimal.Zero, decimal.Zero
	count := 0
	for _, raw := range orders {
		inv := raw.Invoice
		if inv == nil {
			continue
		}
		count++
		row := []any{
			inv.Number,
			inv.CreatedAt.Format("02.01.2006"),
			raw.ID,
			raw.LicensePlate,
			raw.CustomerName,
			inv.GrossAmount.InexactFloat64(),
			inv.DiscountAmount.InexactFloat64(),
			inv.NetAmount.InexactFloat64(),
			inv.VATRate.InexactFloat64(),
			inv.VATAmount.InexactFloat64(),
			paymentLabel(inv.PaymentStatus),
			inv.DueDate.Format("02.01.2006"),
			"",
		}
		if inv.PaidAt != nil {
			row[12] = inv.PaidAt.Format("02.01.2006")
		}
		cell, err := excelize.CoordinatesToCellName(1, count+1)
		if err != nil {
			return 0, err
		}
		if err := f.SetSheetRow(invoiceSheet, cell, &row); err != nil {
			return 0, err
		}
		gross = gross.Add(inv.GrossAmount)
		net = net.Add(inv.NetAmount)
		vat = vat.Add(inv.VATAmount)
	}

	totals := []any{"Summe", "", "", "", "", gross.InexactFloat64(), "", net.InexactFloat64(), "", vat.InexactFloat64()}
	cell, err := excelize.CoordinatesToCellName(1, count+2)
	if err != nil {
		return 0, err
	}
	if err := f.SetSheetRow(invoiceSheet, cell, &totals); err != nil {
		return 0, err
	}
	_ = f.SetColWidth(invoiceSheet, "A", "A", 20)
	_ = f.SetColWidth(invoiceSheet, "C", "E", 22)

	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	return count, nil
}

func paymentLabel(status domain.PaymentStatus) string {
	if status == domain.PaymentPaid {
		return "bezahlt"
	}
	return "offen"
}
