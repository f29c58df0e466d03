// Package store defines the persistence model for subscriptions, customers,
// products, and coupons, along with the transactional interface the import
// pipeline runs against. The pgx implementation lives in postgres.go; an
// in-memory implementation for tests and dry runs lives in memory.go.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookup methods when no record matches.
var ErrNotFound = errors.New("not found")

// Subscription statuses. The zero value of a new import row defaults to
// StatusPending.
const (
	StatusPending       = "pending"
	StatusActive        = "active"
	StatusOnHold        = "on-hold"
	StatusCancelled     = "cancelled"
	StatusExpired       = "expired"
	StatusPendingCancel = "pending-cancel"
)

// ValidStatus reports whether s is a recognized subscription status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusActive, StatusOnHold, StatusCancelled, StatusExpired, StatusPendingCancel:
		return true
	}
	return false
}

// Billing periods.
const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodYear  = "year"
)

// ValidPeriod reports whether p is a recognized billing period.
func ValidPeriod(p string) bool {
	switch p {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return true
	}
	return false
}

// Address holds a billing or shipping address.
type Address struct {
	FirstName string
	LastName  string
	Company   string
	Address1  string
	Address2  string
	City      string
	State     string
	Postcode  string
	Country   string
	Email     string
	Phone     string
}

// User is a customer account.
type User struct {
	ID        int64
	Login     string
	Email     string
	FirstName string
	LastName  string
	Billing   Address
	Shipping  Address
	CreatedAt time.Time
}

// NewUser holds the fields needed to create a customer account.
type NewUser struct {
	Login    string
	Email    string
	Password string
	Billing  Address
	Shipping Address
	Meta     map[string]string
}

// Product is a purchasable subscription product.
type Product struct {
	ID         int64
	Name       string
	PriceCents int64
}

// Coupon is a discount code.
type Coupon struct {
	Code        string
	Description string
	AmountCents int64
}

// Item types for subscription line entries. A subscription's product lines,
// fees, shipping, taxes, and coupons all live in one item table discriminated
// by type, mirroring order line storage.
const (
	ItemLine     = "line_item"
	ItemFee      = "fee"
	ItemShipping = "shipping"
	ItemTax      = "tax"
	ItemCoupon   = "coupon"
)

// Item is one line entry attached to a subscription.
type Item struct {
	ID             int64
	SubscriptionID int64
	Type           string
	Name           string
	ProductID      int64 // only for ItemLine
	Quantity       int
	TotalCents     int64
	TaxCents       int64
	Meta           map[string]string
}

// Subscription is the persisted billing aggregate created per imported row.
type Subscription struct {
	ID              int64
	CustomerID      int64
	Status          string
	Currency        string
	BillingPeriod   string
	BillingInterval int

	StartDate       time.Time
	TrialEndDate    *time.Time
	NextPaymentDate *time.Time
	CancelledDate   *time.Time
	EndDate         *time.Time

	PaymentMethod         string
	PaymentMethodTitle    string
	RequiresManualRenewal bool

	TotalCents       int64
	TaxCents         int64
	ShippingCents    int64
	ShippingTaxCents int64
	DiscountCents    int64

	CreatedAt time.Time
}

// ImportRun is the durable audit record of one chunk request: which file it
// covered, whether it was a dry run, and how its rows fared. Failed rows are
// journaled here even though they leave no subscription rows behind.
type ImportRun struct {
	ID        string    `json:"id"`
	FileID    string    `json:"file_id"`
	FileName  string    `json:"file_name"`
	TestMode  bool      `json:"test_mode"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Warnings  int       `json:"warnings"`
	Status    string    `json:"status"` // "running", "done"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Import run statuses.
const (
	RunRunning = "running"
	RunDone    = "done"
)

// ExportJob is a scheduled export's durable state. The scheduler pages
// through subscriptions offset by offset, writing to FilePath + ".tmp" and
// renaming when the result set is exhausted.
type ExportJob struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Columns   []string  `json:"columns"`
	Offset    int       `json:"offset"`
	Status    string    `json:"status"` // "pending", "running", "done", "failed"
	FilePath  string    `json:"file_path"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Export job statuses.
const (
	ExportPending = "pending"
	ExportRunning = "running"
	ExportDone    = "done"
	ExportFailed  = "failed"
)

// Store is the read side plus transaction factory used by the importer and
// exporter. Implemented by Postgres and Memory.
type Store interface {
	UserByID(ctx context.Context, id int64) (*User, error)
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByLogin(ctx context.Context, login string) (*User, error)
	CreateUser(ctx context.Context, u *NewUser) (*User, error)

	ProductByID(ctx context.Context, id int64) (*Product, error)
	CouponByCode(ctx context.Context, code string) (*Coupon, error)

	// Begin opens a transaction for one row's persistence work. All writes
	// for a row happen inside it; any error rolls the whole row back.
	Begin(ctx context.Context) (Tx, error)

	// Export side.
	CountSubscriptions(ctx context.Context) (int64, error)
	ListSubscriptions(ctx context.Context, offset, limit int) ([]*Subscription, error)
	ItemsBySubscription(ctx context.Context, subID int64) ([]*Item, error)
	MetaBySubscription(ctx context.Context, subID int64) (map[string]string, error)

	CreateImportRun(ctx context.Context, run *ImportRun) error
	UpdateImportRun(ctx context.Context, run *ImportRun) error
	ImportRunByID(ctx context.Context, id string) (*ImportRun, error)

	CreateExportJob(ctx context.Context, job *ExportJob) error
	PendingExportJobs(ctx context.Context) ([]*ExportJob, error)
	UpdateExportJob(ctx context.Context, job *ExportJob) error
	ExportJobByID(ctx context.Context, id string) (*ExportJob, error)
}

// Tx is the write side for a single row's all-or-nothing persistence.
type Tx interface {
	CreateSubscription(ctx context.Context, sub *Subscription) (int64, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	AddItem(ctx context.Context, item *Item) error
	SetMeta(ctx context.Context, subID int64, key, value string) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
