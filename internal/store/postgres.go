package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const userColumns = `id, login, email, first_name, last_name,
	billing_first_name, billing_last_name, billing_company, billing_address_1, billing_address_2,
	billing_city, billing_state, billing_postcode, billing_country, billing_email, billing_phone,
	shipping_first_name, shipping_last_name, shipping_company, shipping_address_1, shipping_address_2,
	shipping_city, shipping_state, shipping_postcode, shipping_country,
	created_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.ID, &u.Login, &u.Email, &u.FirstName, &u.LastName,
		&u.Billing.FirstName, &u.Billing.LastName, &u.Billing.Company, &u.Billing.Address1, &u.Billing.Address2,
		&u.Billing.City, &u.Billing.State, &u.Billing.Postcode, &u.Billing.Country, &u.Billing.Email, &u.Billing.Phone,
		&u.Shipping.FirstName, &u.Shipping.LastName, &u.Shipping.Company, &u.Shipping.Address1, &u.Shipping.Address2,
		&u.Shipping.City, &u.Shipping.State, &u.Shipping.Postcode, &u.Shipping.Country,
		&u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// UserByID returns the user with the given ID, or ErrNotFound.
func (p *Postgres) UserByID(ctx context.Context, id int64) (*User, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// UserByEmail returns the user with the given email, or ErrNotFound.
func (p *Postgres) UserByEmail(ctx context.Context, email string) (*User, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

// UserByLogin returns the user with the given login, or ErrNotFound.
func (p *Postgres) UserByLogin(ctx context.Context, login string) (*User, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE login = $1`, login)
	return scanUser(row)
}

// CreateUser inserts a new customer account and returns the stored record.
func (p *Postgres) CreateUser(ctx context.Context, nu *NewUser) (*User, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO users (
			login, email, password_hash,
			billing_first_name, billing_last_name, billing_company, billing_address_1, billing_address_2,
			billing_city, billing_state, billing_postcode, billing_country, billing_email, billing_phone,
			shipping_first_name, shipping_last_name, shipping_company, shipping_address_1, shipping_address_2,
			shipping_city, shipping_state, shipping_postcode, shipping_country,
			created_at
		) VALUES (
			$1, $2, crypt($3, gen_salt('bf')),
			$4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23,
			now()
		) RETURNING id`,
		nu.Login, nu.Email, nu.Password,
		nu.Billing.FirstName, nu.Billing.LastName, nu.Billing.Company, nu.Billing.Address1, nu.Billing.Address2,
		nu.Billing.City, nu.Billing.State, nu.Billing.Postcode, nu.Billing.Country, nu.Billing.Email, nu.Billing.Phone,
		nu.Shipping.FirstName, nu.Shipping.LastName, nu.Shipping.Company, nu.Shipping.Address1, nu.Shipping.Address2,
		nu.Shipping.City, nu.Shipping.State, nu.Shipping.Postcode, nu.Shipping.Country,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	for k, v := range nu.Meta {
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO user_meta (user_id, meta_key, meta_value) VALUES ($1, $2, $3)`,
			id, k, v); err != nil {
			return nil, fmt.Errorf("insert user meta: %w", err)
		}
	}

	return p.UserByID(ctx, id)
}

// ProductByID returns the product with the given ID, or ErrNotFound.
func (p *Postgres) ProductByID(ctx context.Context, id int64) (*Product, error) {
	pr := &Product{}
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, price_cents FROM products WHERE id = $1`, id).
		Scan(&pr.ID, &pr.Name, &pr.PriceCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan product: %w", err)
	}
	return pr, nil
}

// CouponByCode returns the coupon with the given code, or ErrNotFound.
// Codes are matched case-insensitively.
func (p *Postgres) CouponByCode(ctx context.Context, code string) (*Coupon, error) {
	c := &Coupon{}
	err := p.pool.QueryRow(ctx,
		`SELECT code, description, amount_cents FROM coupons WHERE lower(code) = lower($1)`, code).
		Scan(&c.Code, &c.Description, &c.AmountCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan coupon: %w", err)
	}
	return c, nil
}

// Begin opens a row-scoped transaction.
func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateSubscription(ctx context.Context, sub *Subscription) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO subscriptions (
			customer_id, status, currency, billing_period, billing_interval,
			start_date, trial_end_date, next_payment_date, cancelled_date, end_date,
			payment_method, payment_method_title, requires_manual_renewal,
			total_cents, tax_cents, shipping_cents, shipping_tax_cents, discount_cents,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18, now())
		RETURNING id`,
		sub.CustomerID, sub.Status, sub.Currency, sub.BillingPeriod, sub.BillingInterval,
		sub.StartDate, sub.TrialEndDate, sub.NextPaymentDate, sub.CancelledDate, sub.EndDate,
		sub.PaymentMethod, sub.PaymentMethodTitle, sub.RequiresManualRenewal,
		sub.TotalCents, sub.TaxCents, sub.ShippingCents, sub.ShippingTaxCents, sub.DiscountCents,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert subscription: %w", err)
	}
	sub.ID = id
	return id, nil
}

func (t *pgTx) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE subscriptions SET
			status = $2, currency = $3, billing_period = $4, billing_interval = $5,
			start_date = $6, trial_end_date = $7, next_payment_date = $8,
			cancelled_date = $9, end_date = $10,
			payment_method = $11, payment_method_title = $12, requires_manual_renewal = $13,
			total_cents = $14, tax_cents = $15, shipping_cents = $16,
			shipping_tax_cents = $17, discount_cents = $18
		WHERE id = $1`,
		sub.ID,
		sub.Status, sub.Currency, sub.BillingPeriod, sub.BillingInterval,
		sub.StartDate, sub.TrialEndDate, sub.NextPaymentDate, sub.CancelledDate, sub.EndDate,
		sub.PaymentMethod, sub.PaymentMethodTitle, sub.RequiresManualRenewal,
		sub.TotalCents, sub.TaxCents, sub.ShippingCents, sub.ShippingTaxCents, sub.DiscountCents,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (t *pgTx) AddItem(ctx context.Context, item *Item) error {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO subscription_items (
			subscription_id, item_type, name, product_id, quantity, total_cents, tax_cents
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		item.SubscriptionID, item.Type, item.Name, item.ProductID, item.Quantity,
		item.TotalCents, item.TaxCents,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	item.ID = id

	for k, v := range item.Meta {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO subscription_item_meta (item_id, meta_key, meta_value) VALUES ($1, $2, $3)`,
			id, k, v); err != nil {
			return fmt.Errorf("insert item meta: %w", err)
		}
	}
	return nil
}

func (t *pgTx) SetMeta(ctx context.Context, subID int64, key, value string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO subscription_meta (subscription_id, meta_key, meta_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (subscription_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value`,
		subID, key, value)
	if err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// CountSubscriptions returns the total number of subscriptions.
func (p *Postgres) CountSubscriptions(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// ListSubscriptions returns a stable page of subscriptions ordered by ID.
func (p *Postgres) ListSubscriptions(ctx context.Context, offset, limit int) ([]*Subscription, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, customer_id, status, currency, billing_period, billing_interval,
			start_date, trial_end_date, next_payment_date, cancelled_date, end_date,
			payment_method, payment_method_title, requires_manual_renewal,
			total_cents, tax_cents, shipping_cents, shipping_tax_cents, discount_cents,
			created_at
		FROM subscriptions ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		s := &Subscription{}
		if err := rows.Scan(
			&s.ID, &s.CustomerID, &s.Status, &s.Currency, &s.BillingPeriod, &s.BillingInterval,
			&s.StartDate, &s.TrialEndDate, &s.NextPaymentDate, &s.CancelledDate, &s.EndDate,
			&s.PaymentMethod, &s.PaymentMethodTitle, &s.RequiresManualRenewal,
			&s.TotalCents, &s.TaxCents, &s.ShippingCents, &s.ShippingTaxCents, &s.DiscountCents,
			&s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ItemsBySubscription returns all line entries for a subscription.
func (p *Postgres) ItemsBySubscription(ctx context.Context, subID int64) ([]*Item, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, subscription_id, item_type, name, product_id, quantity, total_cents, tax_cents
		FROM subscription_items WHERE subscription_id = $1 ORDER BY id`, subID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it := &Item{}
		if err := rows.Scan(&it.ID, &it.SubscriptionID, &it.Type, &it.Name,
			&it.ProductID, &it.Quantity, &it.TotalCents, &it.TaxCents); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MetaBySubscription returns a subscription's meta rows as a map.
func (p *Postgres) MetaBySubscription(ctx context.Context, subID int64) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT meta_key, meta_value FROM subscription_meta WHERE subscription_id = $1`, subID)
	if err != nil {
		return nil, fmt.Errorf("list meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// CreateImportRun persists the audit record for a new chunk request.
func (p *Postgres) CreateImportRun(ctx context.Context, run *ImportRun) error {
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO import_runs (id, file_id, file_name, test_mode, succeeded, failed, warnings, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		run.ID, run.FileID, run.FileName, run.TestMode, run.Succeeded, run.Failed, run.Warnings,
		run.Status, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert import run: %w", err)
	}
	return nil
}

// UpdateImportRun persists the run's current counts and status.
func (p *Postgres) UpdateImportRun(ctx context.Context, run *ImportRun) error {
	run.UpdatedAt = time.Now()
	_, err := p.pool.Exec(ctx, `
		UPDATE import_runs SET succeeded = $2, failed = $3, warnings = $4, status = $5, updated_at = $6
		WHERE id = $1`,
		run.ID, run.Succeeded, run.Failed, run.Warnings, run.Status, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update import run: %w", err)
	}
	return nil
}

// ImportRunByID returns the run with the given ID, or ErrNotFound.
func (p *Postgres) ImportRunByID(ctx context.Context, id string) (*ImportRun, error) {
	r := &ImportRun{}
	err := p.pool.QueryRow(ctx, `
		SELECT id, file_id, file_name, test_mode, succeeded, failed, warnings, status, created_at, updated_at
		FROM import_runs WHERE id = $1`, id).
		Scan(&r.ID, &r.FileID, &r.FileName, &r.TestMode, &r.Succeeded, &r.Failed, &r.Warnings,
			&r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan import run: %w", err)
	}
	return r, nil
}

// CreateExportJob persists a new scheduled export job.
func (p *Postgres) CreateExportJob(ctx context.Context, job *ExportJob) error {
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO export_jobs (id, name, columns, export_offset, status, file_path, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		job.ID, job.Name, job.Columns, job.Offset, job.Status, job.FilePath, job.Error,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

// PendingExportJobs returns jobs that still have pages to write.
func (p *Postgres) PendingExportJobs(ctx context.Context) ([]*ExportJob, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, columns, export_offset, status, file_path, error, created_at, updated_at
		FROM export_jobs WHERE status IN ($1, $2) ORDER BY created_at`,
		ExportPending, ExportRunning)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ExportJob
	for rows.Next() {
		j := &ExportJob{}
		if err := rows.Scan(&j.ID, &j.Name, &j.Columns, &j.Offset, &j.Status,
			&j.FilePath, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateExportJob persists the job's current offset and status.
func (p *Postgres) UpdateExportJob(ctx context.Context, job *ExportJob) error {
	job.UpdatedAt = time.Now()
	_, err := p.pool.Exec(ctx, `
		UPDATE export_jobs SET export_offset = $2, status = $3, error = $4, updated_at = $5
		WHERE id = $1`,
		job.ID, job.Offset, job.Status, job.Error, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	return nil
}

// ExportJobByID returns the job with the given ID, or ErrNotFound.
func (p *Postgres) ExportJobByID(ctx context.Context, id string) (*ExportJob, error) {
	j := &ExportJob{}
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, columns, export_offset, status, file_path, error, created_at, updated_at
		FROM export_jobs WHERE id = $1`, id).
		Scan(&j.ID, &j.Name, &j.Columns, &j.Offset, &j.Status, &j.FilePath, &j.Error,
			&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan export job: %w", err)
	}
	return j, nil
}
