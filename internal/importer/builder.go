package importer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/subvault/subimport/internal/money"
	"github.com/subvault/subimport/internal/store"
)

// CommittedEvent is emitted after a row's subscription commits, for external
// listeners (metrics, notifications) that react to imported subscriptions.
type CommittedEvent struct {
	SubscriptionID int64
	CustomerID     int64
	RowNumber      int
}

// Builder turns validated import rows into persisted subscription
// aggregates. One row maps to one transaction: either every write for the
// row commits, or none do.
//
// Row processing moves through two phases. Validating resolves the customer,
// dates, totals, and line entries, collecting every error before the row is
// abandoned. Persisting runs only when validation passed and the session is
// not in test mode.
type Builder struct {
	store    store.Store
	resolver *Resolver
	now      func() time.Time
	onCommit func(CommittedEvent)
}

// NewBuilder creates a builder over the given store.
func NewBuilder(st store.Store) *Builder {
	return &Builder{
		store:    st,
		resolver: NewResolver(st),
		now:      time.Now,
	}
}

// OnCommit registers a listener for committed rows.
func (b *Builder) OnCommit(fn func(CommittedEvent)) {
	b.onCommit = fn
}

// totalSetters binds each order-total field to a typed setter, applied in
// this order during persistence.
var totalSetters = []struct {
	field string
	set   func(*store.Subscription, int64)
}{
	{FieldCartDiscount, func(s *store.Subscription, c int64) { s.DiscountCents = c }},
	{FieldOrderTax, func(s *store.Subscription, c int64) { s.TaxCents = c }},
	{FieldOrderShipping, func(s *store.Subscription, c int64) { s.ShippingCents = c }},
	{FieldOrderShippingTax, func(s *store.Subscription, c int64) { s.ShippingTaxCents = c }},
	{FieldOrderTotal, func(s *store.Subscription, c int64) { s.TotalCents = c }},
}

// rowPlan is the fully validated material for one row, ready to persist.
type rowPlan struct {
	user     *store.User
	status   string
	period   string
	interval int
	currency string
	dates    *dateSet

	totals []plannedTotal

	paymentMethod string
	paymentTitle  string
	manualRenewal bool

	lines    []store.Item
	coupons  []store.Item
	fees     []store.Item
	taxes    []store.Item
	shipping *store.Item

	meta [][2]string
}

type plannedTotal struct {
	set   func(*store.Subscription, int64)
	cents int64
}

// itemSummary is the display string for the row's products.
func (p *rowPlan) itemSummary() string {
	names := make([]string, 0, len(p.lines))
	for _, l := range p.lines {
		names = append(names, l.Name)
	}
	return strings.Join(names, ", ")
}

// ImportRow processes one data row end to end and records its result on the
// session. In test mode validation runs in full but nothing is persisted.
func (b *Builder) ImportRow(ctx context.Context, sess *Session, row ImportRow) *Result {
	rep := &rowReport{}
	plan := b.validate(ctx, sess, row, rep)

	if rep.failed() || sess.TestMode {
		res := rep.result()
		if plan.user != nil {
			res.Username = plan.user.Login
		}
		if !rep.failed() {
			// Test-mode dry run: report what a real run would create.
			res.Item = plan.itemSummary()
			res.SubscriptionStatus = plan.status
		}
		sess.Record(res)
		return res
	}

	sub := b.persist(ctx, sess, plan, rep)
	res := rep.result()
	if sub != nil {
		res.SubscriptionID = sub.ID
		res.Item = plan.itemSummary()
		res.Username = plan.user.Login
		res.SubscriptionStatus = sub.Status
	}
	sess.Record(res)
	return res
}

// validate is the Validating phase. Every check runs even after the first
// failure so the operator sees all of a row's problems at once. Lookups here
// are read-only; nothing is written in this phase.
func (b *Builder) validate(ctx context.Context, sess *Session, row ImportRow, rep *rowReport) *rowPlan {
	plan := &rowPlan{}

	plan.user = b.resolver.Resolve(ctx, sess, row, rep)

	plan.status = strings.ToLower(strings.TrimSpace(row[FieldStatus]))
	if plan.status == "" {
		plan.status = store.StatusPending
	} else if !store.ValidStatus(plan.status) {
		rep.errorf("Unknown subscription_status %q.", plan.status)
		plan.status = store.StatusPending
	}

	plan.period = strings.ToLower(strings.TrimSpace(row[FieldBillingPeriod]))
	if plan.period == "" {
		plan.period = store.PeriodMonth
	} else if !store.ValidPeriod(plan.period) {
		rep.errorf("Unknown billing_period %q: expected day, week, month, or year.", plan.period)
	}

	plan.interval = 1
	if raw := row[FieldBillingInterval]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			rep.errorf("Invalid billing_interval %q: expected a positive integer.", raw)
		} else {
			plan.interval = n
		}
	}

	plan.currency = strings.ToUpper(strings.TrimSpace(row[FieldCurrency]))
	if plan.currency == "" {
		plan.currency = "USD"
	}

	plan.dates = computeDates(row, b.now(), rep)
	validateDates(plan.dates, plan.status, b.now(), rep)

	for _, ts := range totalSetters {
		cents, ok := parseMoneyCell(ts.field, row[ts.field], rep)
		if ok {
			plan.totals = append(plan.totals, plannedTotal{set: ts.set, cents: cents})
		}
	}

	plan.paymentMethod = strings.ToLower(strings.TrimSpace(row[FieldPaymentMethod]))
	if plan.paymentMethod == "" || plan.paymentMethod == "manual" {
		plan.paymentMethod = "manual"
		plan.manualRenewal = true
	} else {
		plan.paymentTitle = row[FieldPaymentMethodTitle]
		if plan.paymentTitle == "" {
			plan.paymentTitle = plan.paymentMethod
		}
	}

	b.planLineItems(ctx, row, plan, rep)
	b.planCoupons(ctx, row, plan, rep)
	b.planFees(row, plan, rep)
	b.planTaxes(row, plan, rep)
	b.planShipping(row, plan, rep)
	b.planMeta(row, plan, rep)

	return plan
}

// planLineItems resolves the row's products. The order_items cell carries
// the micro-format; a bare numeric cell or the product_id shorthand column
// creates a single line with quantity 1.
func (b *Builder) planLineItems(ctx context.Context, row ImportRow, plan *rowPlan, rep *rowReport) {
	cell := row[FieldOrderItems]
	var items []map[string]string

	if cell != "" && !strings.ContainsAny(cell, fieldSeparator+pairSeparator) {
		// Bare product ID form.
		items = append(items, map[string]string{"product_id": cell})
	} else if cell != "" {
		decoded, err := DecodeItems(cell)
		if err != nil {
			rep.errorf("Invalid order_items: %v", err)
			return
		}
		items = decoded
	}
	if shorthand := row[FieldProductID]; shorthand != "" {
		items = append(items, map[string]string{"product_id": shorthand})
	}

	if len(items) == 0 {
		rep.errorf("Cannot create a subscription without at least one product line item.")
		return
	}

	for _, item := range items {
		rawID := item["product_id"]
		if rawID == "" {
			rep.errorf("An order item is missing its product_id.")
			continue
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			rep.errorf("Invalid product_id %q: expected a numeric ID.", rawID)
			continue
		}

		product, err := b.store.ProductByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			rep.errorf("No product or variation in your store matches the product ID #%d.", id)
			continue
		}
		if err != nil {
			rep.errorf("Product lookup failed: %v", err)
			continue
		}

		qty := 1
		if rawQty := item["quantity"]; rawQty != "" {
			n, err := strconv.Atoi(rawQty)
			if err != nil || n < 1 {
				rep.errorf("Invalid quantity %q for product #%d.", rawQty, id)
				continue
			}
			qty = n
		}

		total := product.PriceCents * int64(qty)
		if rawTotal := item["total"]; rawTotal != "" {
			if cents, ok := parseMoneyCell("order item total", rawTotal, rep); ok {
				total = cents
			} else {
				continue
			}
		}
		var tax int64
		if rawTax := item["tax"]; rawTax != "" {
			cents, ok := parseMoneyCell("order item tax", rawTax, rep)
			if !ok {
				continue
			}
			tax = cents
		}

		plan.lines = append(plan.lines, store.Item{
			Type:       store.ItemLine,
			Name:       product.Name,
			ProductID:  product.ID,
			Quantity:   qty,
			TotalCents: total,
			TaxCents:   tax,
		})
	}
}

func (b *Builder) planCoupons(ctx context.Context, row ImportRow, plan *rowPlan, rep *rowReport) {
	items, err := DecodeItems(row[FieldCouponItems])
	if err != nil {
		rep.errorf("Invalid coupon_items: %v", err)
		return
	}
	for _, item := range items {
		code := item["code"]
		if code == "" {
			rep.errorf("A coupon item is missing its code.")
			continue
		}
		coupon, err := b.store.CouponByCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			rep.errorf("No coupon in your store matches the code %q.", code)
			continue
		}
		if err != nil {
			rep.errorf("Coupon lookup failed: %v", err)
			continue
		}

		amount := coupon.AmountCents
		if rawAmount := item["amount"]; rawAmount != "" {
			cents, ok := parseMoneyCell("coupon amount", rawAmount, rep)
			if !ok {
				continue
			}
			amount = cents
		}
		plan.coupons = append(plan.coupons, store.Item{
			Type:       store.ItemCoupon,
			Name:       coupon.Code,
			TotalCents: amount,
		})
	}
}

func (b *Builder) planFees(row ImportRow, plan *rowPlan, rep *rowReport) {
	items, err := DecodeItems(row[FieldFeeItems])
	if err != nil {
		rep.errorf("Invalid fee_items: %v", err)
		return
	}
	for _, item := range items {
		name := item["name"]
		if name == "" {
			rep.errorf("A fee item is missing its name.")
			continue
		}
		total, ok := parseMoneyCell("fee total", item["total"], rep)
		if !ok {
			continue
		}
		var tax int64
		if rawTax := item["tax"]; rawTax != "" {
			tax, ok = parseMoneyCell("fee tax", rawTax, rep)
			if !ok {
				continue
			}
		}
		plan.fees = append(plan.fees, store.Item{
			Type:       store.ItemFee,
			Name:       name,
			TotalCents: total,
			TaxCents:   tax,
		})
	}
}

func (b *Builder) planTaxes(row ImportRow, plan *rowPlan, rep *rowReport) {
	items, err := DecodeItems(row[FieldTaxItems])
	if err != nil {
		rep.errorf("Invalid tax_items: %v", err)
		return
	}
	for _, item := range items {
		code := item["code"]
		if code == "" {
			rep.errorf("A tax item is missing its code.")
			continue
		}
		total, ok := parseMoneyCell("tax total", item["total"], rep)
		if !ok {
			continue
		}
		plan.taxes = append(plan.taxes, store.Item{
			Type:       store.ItemTax,
			Name:       code,
			TotalCents: total,
		})
	}
}

func (b *Builder) planShipping(row ImportRow, plan *rowPlan, rep *rowReport) {
	method := strings.TrimSpace(row[FieldShippingMethod])
	// A bad order_shipping cell is already reported by the totals pass.
	shippingCents, _ := money.ParseCents(row[FieldOrderShipping])

	if method == "" {
		if shippingCents > 0 {
			rep.warnf("Shipping total present but no shipping method specified.")
		}
		return
	}
	plan.shipping = &store.Item{
		Type:       store.ItemShipping,
		Name:       method,
		TotalCents: shippingCents,
	}
}

func (b *Builder) planMeta(row ImportRow, plan *rowPlan, rep *rowReport) {
	items, err := DecodeItems(row[FieldCustomMeta])
	if err != nil {
		rep.errorf("Invalid custom_meta: %v", err)
		return
	}
	for _, item := range items {
		for key, value := range item {
			plan.meta = append(plan.meta, [2]string{key, value})
		}
	}
	if notes := strings.TrimSpace(row[FieldOrderNotes]); notes != "" {
		plan.meta = append(plan.meta, [2]string{"order_notes", notes})
	}
}

// parseMoneyCell parses a decimal money cell into cents. Empty cells report
// ok with zero; malformed cells record an error.
func parseMoneyCell(field, cell string, rep *rowReport) (int64, bool) {
	cents, err := money.ParseCents(cell)
	if err != nil {
		rep.errorf("Invalid %s %q: expected a decimal amount.", field, cell)
		return 0, false
	}
	return cents, true
}

// persist is the Persisting phase: one transaction covering the aggregate,
// its meta, totals, dates, payment method, and line entries. Any failure
// rolls the whole row back and records the failure as the row's error.
func (b *Builder) persist(ctx context.Context, sess *Session, plan *rowPlan, rep *rowReport) *store.Subscription {
	tx, err := b.store.Begin(ctx)
	if err != nil {
		b.fail(sess, rep, fmt.Errorf("opening transaction: %w", err))
		return nil
	}

	sub := &store.Subscription{
		CustomerID:      plan.user.ID,
		Status:          plan.status,
		Currency:        plan.currency,
		BillingPeriod:   plan.period,
		BillingInterval: plan.interval,
		StartDate:       plan.dates.Start,
	}
	if _, err := tx.CreateSubscription(ctx, sub); err != nil {
		b.abort(ctx, sess, tx, rep, fmt.Errorf("creating subscription: %w", err))
		return nil
	}

	for _, kv := range plan.meta {
		if err := tx.SetMeta(ctx, sub.ID, kv[0], kv[1]); err != nil {
			b.abort(ctx, sess, tx, rep, fmt.Errorf("writing meta %q: %w", kv[0], err))
			return nil
		}
	}

	for _, pt := range plan.totals {
		pt.set(sub, pt.cents)
	}

	sub.TrialEndDate = plan.dates.TrialEnd
	sub.NextPaymentDate = plan.dates.NextPayment
	sub.CancelledDate = plan.dates.Cancelled
	sub.EndDate = plan.dates.End

	sub.PaymentMethod = plan.paymentMethod
	sub.PaymentMethodTitle = plan.paymentTitle
	sub.RequiresManualRenewal = plan.manualRenewal

	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		b.abort(ctx, sess, tx, rep, fmt.Errorf("updating subscription: %w", err))
		return nil
	}

	attachments := make([]store.Item, 0, len(plan.coupons)+len(plan.taxes)+len(plan.lines)+len(plan.fees)+1)
	attachments = append(attachments, plan.coupons...)
	attachments = append(attachments, plan.taxes...)
	attachments = append(attachments, plan.lines...)
	attachments = append(attachments, plan.fees...)
	if plan.shipping != nil {
		attachments = append(attachments, *plan.shipping)
	}
	for i := range attachments {
		attachments[i].SubscriptionID = sub.ID
		if err := tx.AddItem(ctx, &attachments[i]); err != nil {
			b.abort(ctx, sess, tx, rep, fmt.Errorf("attaching %s %q: %w", attachments[i].Type, attachments[i].Name, err))
			return nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		b.abort(ctx, sess, tx, rep, fmt.Errorf("committing row: %w", err))
		return nil
	}

	if b.onCommit != nil {
		b.onCommit(CommittedEvent{
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			RowNumber:      sess.RowNumber,
		})
	}
	return sub
}

// abort rolls back the row's transaction and records the failure.
func (b *Builder) abort(ctx context.Context, sess *Session, tx store.Tx, rep *rowReport, err error) {
	if rbErr := tx.Rollback(ctx); rbErr != nil {
		sess.Log.Error("rollback failed", "row", sess.RowNumber, "error", rbErr)
	}
	b.fail(sess, rep, err)
}

// fail records a persistence failure on the report and the operational log.
func (b *Builder) fail(sess *Session, rep *rowReport, err error) {
	rep.errorf("%v", err)
	sess.Log.Error("import row failed",
		"file_id", sess.FileID,
		"row", sess.RowNumber,
		"error", err,
	)
}
