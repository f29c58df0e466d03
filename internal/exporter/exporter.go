// Package exporter writes subscriptions back out as CSV, either streamed in
// one request or paged by the background scheduler. Exported files use the
// same headers and line-entry micro-format the importer accepts, so an
// exported file can be re-imported unchanged.
package exporter

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/subvault/subimport/internal/importer"
	"github.com/subvault/subimport/internal/money"
	"github.com/subvault/subimport/internal/store"
)

const dateLayout = "2006-01-02 15:04:05"

// Columns is the fixed superset of exportable fields. Callers select any
// subset; order in the output follows the caller's selection.
var Columns = []string{
	"subscription_id",
	importer.FieldCustomerID,
	importer.FieldCustomerEmail,
	importer.FieldCustomerUsername,
	importer.FieldStatus,
	importer.FieldStartDate,
	importer.FieldTrialEndDate,
	importer.FieldNextPaymentDate,
	importer.FieldCancelledDate,
	importer.FieldEndDate,
	importer.FieldBillingPeriod,
	importer.FieldBillingInterval,
	importer.FieldCurrency,
	importer.FieldOrderTotal,
	importer.FieldOrderTax,
	importer.FieldCartDiscount,
	importer.FieldOrderShipping,
	importer.FieldOrderShippingTax,
	importer.FieldPaymentMethod,
	importer.FieldPaymentMethodTitle,
	"requires_manual_renewal",
	importer.FieldBillingFirstName,
	importer.FieldBillingLastName,
	importer.FieldBillingCompany,
	importer.FieldBillingAddress1,
	importer.FieldBillingAddress2,
	importer.FieldBillingCity,
	importer.FieldBillingState,
	importer.FieldBillingPostcode,
	importer.FieldBillingCountry,
	importer.FieldBillingEmail,
	importer.FieldBillingPhone,
	importer.FieldShippingFirstName,
	importer.FieldShippingLastName,
	importer.FieldShippingCompany,
	importer.FieldShippingAddress1,
	importer.FieldShippingAddress2,
	importer.FieldShippingCity,
	importer.FieldShippingState,
	importer.FieldShippingPostcode,
	importer.FieldShippingCountry,
	importer.FieldOrderItems,
	importer.FieldCouponItems,
	importer.FieldFeeItems,
	importer.FieldTaxItems,
	importer.FieldShippingMethod,
	importer.FieldOrderNotes,
	importer.FieldCustomMeta,
}

// ValidateColumns checks a user selection against the superset. An empty
// selection is rejected; callers wanting everything pass Columns.
func ValidateColumns(cols []string) error {
	if len(cols) == 0 {
		return errors.New("no export columns selected")
	}
	known := make(map[string]bool, len(Columns))
	for _, c := range Columns {
		known[c] = true
	}
	for _, c := range cols {
		if !known[c] {
			return fmt.Errorf("unknown export column %q", c)
		}
	}
	return nil
}

// Exporter renders subscription pages to CSV.
type Exporter struct {
	store store.Store
}

// New creates an exporter over the given store.
func New(st store.Store) *Exporter {
	return &Exporter{store: st}
}

// WriteHeader writes the CSV header row for the selected columns.
func (e *Exporter) WriteHeader(w io.Writer, cols []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// WritePage renders one page of subscriptions, returning how many rows were
// written. Fewer rows than limit means the result set is exhausted.
func (e *Exporter) WritePage(ctx context.Context, w io.Writer, cols []string, offset, limit int) (int, error) {
	subs, err := e.store.ListSubscriptions(ctx, offset, limit)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	for _, sub := range subs {
		record, err := e.renderRow(ctx, sub, cols)
		if err != nil {
			return 0, err
		}
		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, err
	}
	return len(subs), nil
}

// ExportAll streams the whole result set, header included, paging through
// the store pageSize rows at a time. Returns the number of data rows.
func (e *Exporter) ExportAll(ctx context.Context, w io.Writer, cols []string, pageSize int) (int, error) {
	if err := e.WriteHeader(w, cols); err != nil {
		return 0, err
	}

	total := 0
	for offset := 0; ; offset += pageSize {
		n, err := e.WritePage(ctx, w, cols, offset, pageSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < pageSize {
			return total, nil
		}
	}
}

// renderRow builds one CSV record in the selected column order.
func (e *Exporter) renderRow(ctx context.Context, sub *store.Subscription, cols []string) ([]string, error) {
	items, err := e.store.ItemsBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	meta, err := e.store.MetaBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	var user *store.User
	if u, err := e.store.UserByID(ctx, sub.CustomerID); err == nil {
		user = u
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	record := make([]string, 0, len(cols))
	for _, col := range cols {
		cell, err := e.renderCell(sub, user, items, meta, col)
		if err != nil {
			return nil, err
		}
		record = append(record, cell)
	}
	return record, nil
}

func (e *Exporter) renderCell(sub *store.Subscription, user *store.User, items []*store.Item, meta map[string]string, col string) (string, error) {
	switch col {
	case "subscription_id":
		return strconv.FormatInt(sub.ID, 10), nil
	case importer.FieldCustomerID:
		return strconv.FormatInt(sub.CustomerID, 10), nil
	case importer.FieldCustomerEmail:
		if user != nil {
			return user.Email, nil
		}
		return "", nil
	case importer.FieldCustomerUsername:
		if user != nil {
			return user.Login, nil
		}
		return "", nil
	case importer.FieldStatus:
		return sub.Status, nil
	case importer.FieldStartDate:
		return sub.StartDate.UTC().Format(dateLayout), nil
	case importer.FieldTrialEndDate:
		return formatOptionalDate(sub.TrialEndDate), nil
	case importer.FieldNextPaymentDate:
		return formatOptionalDate(sub.NextPaymentDate), nil
	case importer.FieldCancelledDate:
		return formatOptionalDate(sub.CancelledDate), nil
	case importer.FieldEndDate:
		return formatOptionalDate(sub.EndDate), nil
	case importer.FieldBillingPeriod:
		return sub.BillingPeriod, nil
	case importer.FieldBillingInterval:
		return strconv.Itoa(sub.BillingInterval), nil
	case importer.FieldCurrency:
		return sub.Currency, nil
	case importer.FieldOrderTotal:
		return money.FormatCents(sub.TotalCents), nil
	case importer.FieldOrderTax:
		return money.FormatCents(sub.TaxCents), nil
	case importer.FieldCartDiscount:
		return money.FormatCents(sub.DiscountCents), nil
	case importer.FieldOrderShipping:
		return money.FormatCents(sub.ShippingCents), nil
	case importer.FieldOrderShippingTax:
		return money.FormatCents(sub.ShippingTaxCents), nil
	case importer.FieldPaymentMethod:
		return sub.PaymentMethod, nil
	case importer.FieldPaymentMethodTitle:
		return sub.PaymentMethodTitle, nil
	case "requires_manual_renewal":
		return strconv.FormatBool(sub.RequiresManualRenewal), nil
	case importer.FieldOrderItems:
		return encodeTyped(items, store.ItemLine)
	case importer.FieldCouponItems:
		return encodeTyped(items, store.ItemCoupon)
	case importer.FieldFeeItems:
		return encodeTyped(items, store.ItemFee)
	case importer.FieldTaxItems:
		return encodeTyped(items, store.ItemTax)
	case importer.FieldShippingMethod:
		for _, it := range items {
			if it.Type == store.ItemShipping {
				return it.Name, nil
			}
		}
		return "", nil
	case importer.FieldOrderNotes:
		return meta["order_notes"], nil
	case importer.FieldCustomMeta:
		return encodeMeta(meta)
	}

	if user != nil {
		if cell, ok := addressCell(user, col); ok {
			return cell, nil
		}
	} else if _, ok := addressCell(&store.User{}, col); ok {
		return "", nil
	}
	return "", fmt.Errorf("unknown export column %q", col)
}

func formatOptionalDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

// encodeTyped renders line entries of one type into the micro-format.
func encodeTyped(items []*store.Item, itemType string) (string, error) {
	var encoded []map[string]string
	var keys []string

	for _, it := range items {
		if it.Type != itemType {
			continue
		}
		switch itemType {
		case store.ItemLine:
			encoded = append(encoded, map[string]string{
				"product_id": strconv.FormatInt(it.ProductID, 10),
				"quantity":   strconv.Itoa(it.Quantity),
				"total":      money.FormatCents(it.TotalCents),
				"tax":        money.FormatCents(it.TaxCents),
			})
		case store.ItemCoupon:
			encoded = append(encoded, map[string]string{
				"code":   it.Name,
				"amount": money.FormatCents(it.TotalCents),
			})
		case store.ItemFee:
			encoded = append(encoded, map[string]string{
				"name":  it.Name,
				"total": money.FormatCents(it.TotalCents),
				"tax":   money.FormatCents(it.TaxCents),
			})
		case store.ItemTax:
			encoded = append(encoded, map[string]string{
				"code":  it.Name,
				"total": money.FormatCents(it.TotalCents),
			})
		}
	}

	switch itemType {
	case store.ItemLine:
		keys = []string{"product_id", "quantity", "total", "tax"}
	case store.ItemCoupon:
		keys = []string{"code", "amount"}
	case store.ItemFee:
		keys = []string{"name", "total", "tax"}
	case store.ItemTax:
		keys = []string{"code", "total"}
	}
	return importer.EncodeItems(encoded, keys)
}

// encodeMeta renders custom meta in key order, excluding keys that have
// dedicated columns. One micro-format entry per pair keeps pairs independent
// after a round trip.
func encodeMeta(meta map[string]string) (string, error) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if k != "order_notes" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var items []map[string]string
	for _, k := range keys {
		items = append(items, map[string]string{k: meta[k]})
	}

	var parts []string
	for i, item := range items {
		enc, err := importer.EncodeItems([]map[string]string{item}, []string{keys[i]})
		if err != nil {
			return "", err
		}
		parts = append(parts, enc)
	}
	return strings.Join(parts, ";"), nil
}

// addressCell maps address columns onto the user's billing and shipping
// addresses. The second return reports whether col is an address column.
func addressCell(user *store.User, col string) (string, bool) {
	b, s := &user.Billing, &user.Shipping
	switch col {
	case importer.FieldBillingFirstName:
		return b.FirstName, true
	case importer.FieldBillingLastName:
		return b.LastName, true
	case importer.FieldBillingCompany:
		return b.Company, true
	case importer.FieldBillingAddress1:
		return b.Address1, true
	case importer.FieldBillingAddress2:
		return b.Address2, true
	case importer.FieldBillingCity:
		return b.City, true
	case importer.FieldBillingState:
		return b.State, true
	case importer.FieldBillingPostcode:
		return b.Postcode, true
	case importer.FieldBillingCountry:
		return b.Country, true
	case importer.FieldBillingEmail:
		return b.Email, true
	case importer.FieldBillingPhone:
		return b.Phone, true
	case importer.FieldShippingFirstName:
		return s.FirstName, true
	case importer.FieldShippingLastName:
		return s.LastName, true
	case importer.FieldShippingCompany:
		return s.Company, true
	case importer.FieldShippingAddress1:
		return s.Address1, true
	case importer.FieldShippingAddress2:
		return s.Address2, true
	case importer.FieldShippingCity:
		return s.City, true
	case importer.FieldShippingState:
		return s.State, true
	case importer.FieldShippingPostcode:
		return s.Postcode, true
	case importer.FieldShippingCountry:
		return s.Country, true
	}
	return "", false
}
