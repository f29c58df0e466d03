// Package importer implements the subscription CSV import pipeline: spooled
// file registry, byte-range row parsing, field mapping, customer resolution,
// and the transactional per-row subscription builder.
package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Semantic field names. Each import column maps to exactly one of these, and
// downstream components look rows up by semantic name, never by raw header.
const (
	FieldCustomerID       = "customer_id"
	FieldCustomerEmail    = "customer_email"
	FieldCustomerUsername = "customer_username"
	FieldCustomerPassword = "customer_password"

	FieldBillingFirstName = "billing_first_name"
	FieldBillingLastName  = "billing_last_name"
	FieldBillingCompany   = "billing_company"
	FieldBillingAddress1  = "billing_address_1"
	FieldBillingAddress2  = "billing_address_2"
	FieldBillingCity      = "billing_city"
	FieldBillingState     = "billing_state"
	FieldBillingPostcode  = "billing_postcode"
	FieldBillingCountry   = "billing_country"
	FieldBillingEmail     = "billing_email"
	FieldBillingPhone     = "billing_phone"

	FieldShippingFirstName = "shipping_first_name"
	FieldShippingLastName  = "shipping_last_name"
	FieldShippingCompany   = "shipping_company"
	FieldShippingAddress1  = "shipping_address_1"
	FieldShippingAddress2  = "shipping_address_2"
	FieldShippingCity      = "shipping_city"
	FieldShippingState     = "shipping_state"
	FieldShippingPostcode  = "shipping_postcode"
	FieldShippingCountry   = "shipping_country"

	FieldStatus          = "subscription_status"
	FieldStartDate       = "start_date"
	FieldTrialEndDate    = "trial_end_date"
	FieldNextPaymentDate = "next_payment_date"
	FieldCancelledDate   = "cancelled_date"
	FieldEndDate         = "end_date"

	FieldBillingPeriod   = "billing_period"
	FieldBillingInterval = "billing_interval"
	FieldCurrency        = "order_currency"

	FieldOrderTotal       = "order_total"
	FieldOrderTax         = "order_tax"
	FieldCartDiscount     = "cart_discount"
	FieldOrderShipping    = "order_shipping"
	FieldOrderShippingTax = "order_shipping_tax"

	FieldPaymentMethod      = "payment_method"
	FieldPaymentMethodTitle = "payment_method_title"
	FieldShippingMethod     = "shipping_method"

	// FieldProductID is the single-product shorthand: a bare product ID that
	// becomes one line item with quantity 1. Richer carts use FieldOrderItems.
	FieldProductID  = "product_id"
	FieldOrderItems = "order_items"

	FieldCouponItems = "coupon_items"
	FieldFeeItems    = "fee_items"
	FieldTaxItems    = "tax_items"

	FieldOrderNotes = "order_notes"
	FieldCustomMeta = "custom_meta"
)

// Fields returns the full semantic field enumeration in a stable order.
func Fields() []string {
	return []string{
		FieldCustomerID, FieldCustomerEmail, FieldCustomerUsername, FieldCustomerPassword,
		FieldBillingFirstName, FieldBillingLastName, FieldBillingCompany,
		FieldBillingAddress1, FieldBillingAddress2, FieldBillingCity, FieldBillingState,
		FieldBillingPostcode, FieldBillingCountry, FieldBillingEmail, FieldBillingPhone,
		FieldShippingFirstName, FieldShippingLastName, FieldShippingCompany,
		FieldShippingAddress1, FieldShippingAddress2, FieldShippingCity, FieldShippingState,
		FieldShippingPostcode, FieldShippingCountry,
		FieldStatus, FieldStartDate, FieldTrialEndDate, FieldNextPaymentDate,
		FieldCancelledDate, FieldEndDate,
		FieldBillingPeriod, FieldBillingInterval, FieldCurrency,
		FieldOrderTotal, FieldOrderTax, FieldCartDiscount, FieldOrderShipping, FieldOrderShippingTax,
		FieldPaymentMethod, FieldPaymentMethodTitle, FieldShippingMethod,
		FieldProductID, FieldOrderItems, FieldCouponItems, FieldFeeItems, FieldTaxItems,
		FieldOrderNotes, FieldCustomMeta,
	}
}

// ImportRow maps semantic field names to raw cell values for one data line.
type ImportRow map[string]string

// FieldMapping binds semantic fields to CSV column headers. An unmapped field
// (missing key or empty header) reads as the empty string, which downstream
// components treat as "use the synthesized default". Immutable for the run.
type FieldMapping map[string]string

// DefaultMapping binds every semantic field to a header of the same name,
// which is what files exported by this service use.
func DefaultMapping() FieldMapping {
	m := make(FieldMapping, len(Fields()))
	for _, f := range Fields() {
		m[f] = f
	}
	return m
}

// HeaderIndex maps lowercased column headers to their position in a record.
type HeaderIndex map[string]int

// NewHeaderIndex builds a header index from the file's header row.
func NewHeaderIndex(headers []string) HeaderIndex {
	idx := make(HeaderIndex, len(headers))
	for i, h := range headers {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

// Row translates a raw CSV record into an ImportRow using the mapping. Fields
// bound to headers absent from the file, or to columns beyond the record's
// length, read as empty. Pure lookup, no validation.
func (m FieldMapping) Row(idx HeaderIndex, record []string) ImportRow {
	row := make(ImportRow, len(m))
	for field, header := range m {
		if header == "" {
			continue
		}
		i, ok := idx[strings.ToLower(header)]
		if !ok || i >= len(record) {
			continue
		}
		row[field] = strings.TrimSpace(record[i])
	}
	return row
}

// mappingProfile is the YAML shape of a stored mapping profile.
type mappingProfile struct {
	Name   string            `yaml:"name"`
	Fields map[string]string `yaml:"fields"`
}

// LoadMappingProfile reads one YAML mapping profile. Unknown semantic field
// names are rejected so a typo in a profile fails loudly at load time.
func LoadMappingProfile(path string) (string, FieldMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("reading mapping profile: %w", err)
	}

	var p mappingProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return "", nil, fmt.Errorf("parsing mapping profile %s: %w", filepath.Base(path), err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	known := make(map[string]bool, len(Fields()))
	for _, f := range Fields() {
		known[f] = true
	}

	m := make(FieldMapping, len(p.Fields))
	for field, header := range p.Fields {
		if !known[field] {
			return "", nil, fmt.Errorf("mapping profile %s: unknown field %q", p.Name, field)
		}
		m[field] = header
	}
	return p.Name, m, nil
}

// LoadMappingDir loads every .yaml/.yml profile in dir, keyed by profile
// name. A missing directory yields an empty set, not an error.
func LoadMappingDir(dir string) (map[string]FieldMapping, error) {
	profiles := make(map[string]FieldMapping)
	if dir == "" {
		return profiles, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return profiles, nil
		}
		return nil, fmt.Errorf("reading mapping dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		name, m, err := LoadMappingProfile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		profiles[name] = m
	}
	return profiles, nil
}
