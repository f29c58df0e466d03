package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements Store entirely in memory. It backs package tests and is
// also usable as a throwaway backend for local experimentation. Transactions
// journal their writes and apply them atomically on Commit, so rollback
// semantics match the Postgres implementation.
type Memory struct {
	mu sync.Mutex

	users      map[int64]*User
	products   map[int64]*Product
	coupons    map[string]*Coupon
	subs       map[int64]*Subscription
	items      map[int64][]*Item // keyed by subscription ID
	meta       map[int64]map[string]string
	importRuns map[string]*ImportRun
	exportJobs map[string]*ExportJob

	nextUserID int64
	nextSubID  int64
	nextItemID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[int64]*User),
		products:   make(map[int64]*Product),
		coupons:    make(map[string]*Coupon),
		subs:       make(map[int64]*Subscription),
		items:      make(map[int64][]*Item),
		meta:       make(map[int64]map[string]string),
		importRuns: make(map[string]*ImportRun),
		exportJobs: make(map[string]*ExportJob),
	}
}

// AddProduct seeds a product. Intended for tests and fixtures.
func (m *Memory) AddProduct(p *Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[p.ID] = &cp
}

// AddCoupon seeds a coupon. Intended for tests and fixtures.
func (m *Memory) AddCoupon(c *Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.coupons[strings.ToLower(c.Code)] = &cp
}

// AddUser seeds a user with an assigned ID. Intended for tests and fixtures.
func (m *Memory) AddUser(u *User) *User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		m.nextUserID++
		u.ID = m.nextUserID
	} else if u.ID > m.nextUserID {
		m.nextUserID = u.ID
	}
	cp := *u
	m.users[u.ID] = &cp
	return &cp
}

// SubscriptionCount returns the number of committed subscriptions.
func (m *Memory) SubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// UserCount returns the number of users, seeded or created.
func (m *Memory) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// ItemCount returns the total number of committed line entries across all
// subscriptions.
func (m *Memory) ItemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, items := range m.items {
		n += len(items)
	}
	return n
}

// MetaCount returns the total number of committed meta rows.
func (m *Memory) MetaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, kv := range m.meta {
		n += len(kv)
	}
	return n
}

// Subscription returns a committed subscription by ID, or nil.
func (m *Memory) Subscription(id int64) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		cp := *s
		return &cp
	}
	return nil
}

// Meta returns a committed subscription's meta value for key.
func (m *Memory) Meta(subID int64, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[subID][key]
}

// UserByID returns the user with the given ID, or ErrNotFound.
func (m *Memory) UserByID(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrNotFound
}

// UserByEmail returns the user with the given email, or ErrNotFound.
func (m *Memory) UserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UserByLogin returns the user with the given login, or ErrNotFound.
func (m *Memory) UserByLogin(ctx context.Context, login string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Login == login {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CreateUser inserts a new customer account.
func (m *Memory) CreateUser(ctx context.Context, nu *NewUser) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, nu.Email) {
			return nil, fmt.Errorf("email %q already registered", nu.Email)
		}
	}
	m.nextUserID++
	u := &User{
		ID:        m.nextUserID,
		Login:     nu.Login,
		Email:     nu.Email,
		Billing:   nu.Billing,
		Shipping:  nu.Shipping,
		CreatedAt: time.Now(),
	}
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

// ProductByID returns the product with the given ID, or ErrNotFound.
func (m *Memory) ProductByID(ctx context.Context, id int64) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, ErrNotFound
}

// CouponByCode returns the coupon with the given code, or ErrNotFound.
func (m *Memory) CouponByCode(ctx context.Context, code string) (*Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.coupons[strings.ToLower(code)]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, ErrNotFound
}

// Begin opens a journaled transaction.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	return &memTx{store: m}, nil
}

// memTx journals writes and applies them on Commit. Subscription and item
// IDs are allocated eagerly (like database sequences), so rolled back rows
// leave ID gaps, which is fine.
type memTx struct {
	store *Memory
	done  bool

	newSubs []*Subscription
	updates []*Subscription
	items   []*Item
	meta    []metaWrite
}

type metaWrite struct {
	subID int64
	key   string
	value string
}

func (t *memTx) CreateSubscription(ctx context.Context, sub *Subscription) (int64, error) {
	t.store.mu.Lock()
	t.store.nextSubID++
	sub.ID = t.store.nextSubID
	t.store.mu.Unlock()

	sub.CreatedAt = time.Now()
	cp := *sub
	t.newSubs = append(t.newSubs, &cp)
	return sub.ID, nil
}

func (t *memTx) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	cp := *sub
	t.updates = append(t.updates, &cp)
	return nil
}

func (t *memTx) AddItem(ctx context.Context, item *Item) error {
	t.store.mu.Lock()
	t.store.nextItemID++
	item.ID = t.store.nextItemID
	t.store.mu.Unlock()

	cp := *item
	if item.Meta != nil {
		cp.Meta = make(map[string]string, len(item.Meta))
		for k, v := range item.Meta {
			cp.Meta[k] = v
		}
	}
	t.items = append(t.items, &cp)
	return nil
}

func (t *memTx) SetMeta(ctx context.Context, subID int64, key, value string) error {
	t.meta = append(t.meta, metaWrite{subID: subID, key: key, value: value})
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	for _, s := range t.newSubs {
		t.store.subs[s.ID] = s
	}
	for _, s := range t.updates {
		if _, ok := t.store.subs[s.ID]; !ok {
			// Updated within the same tx before commit; newSubs covers it
			continue
		}
		t.store.subs[s.ID] = s
	}
	for _, it := range t.items {
		t.store.items[it.SubscriptionID] = append(t.store.items[it.SubscriptionID], it)
	}
	for _, mw := range t.meta {
		kv, ok := t.store.meta[mw.subID]
		if !ok {
			kv = make(map[string]string)
			t.store.meta[mw.subID] = kv
		}
		kv[mw.key] = mw.value
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	// Rollback after commit is a no-op, matching pgx semantics.
	t.done = true
	t.newSubs = nil
	t.updates = nil
	t.items = nil
	t.meta = nil
	return nil
}

// CountSubscriptions returns the total number of subscriptions.
func (m *Memory) CountSubscriptions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.subs)), nil
}

// ListSubscriptions returns a stable page of subscriptions ordered by ID.
func (m *Memory) ListSubscriptions(ctx context.Context, offset, limit int) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}

	subs := make([]*Subscription, 0, end-offset)
	for _, id := range ids[offset:end] {
		cp := *m.subs[id]
		subs = append(subs, &cp)
	}
	return subs, nil
}

// ItemsBySubscription returns all line entries for a subscription.
func (m *Memory) ItemsBySubscription(ctx context.Context, subID int64) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.items[subID]
	items := make([]*Item, 0, len(src))
	for _, it := range src {
		cp := *it
		items = append(items, &cp)
	}
	return items, nil
}

// MetaBySubscription returns a subscription's meta rows as a map.
func (m *Memory) MetaBySubscription(ctx context.Context, subID int64) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := make(map[string]string, len(m.meta[subID]))
	for k, v := range m.meta[subID] {
		meta[k] = v
	}
	return meta, nil
}

// CreateImportRun persists the audit record for a new chunk request.
func (m *Memory) CreateImportRun(ctx context.Context, run *ImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	cp := *run
	m.importRuns[run.ID] = &cp
	return nil
}

// UpdateImportRun persists the run's current counts and status.
func (m *Memory) UpdateImportRun(ctx context.Context, run *ImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.UpdatedAt = time.Now()
	cp := *run
	m.importRuns[run.ID] = &cp
	return nil
}

// ImportRunByID returns the run with the given ID, or ErrNotFound.
func (m *Memory) ImportRunByID(ctx context.Context, id string) (*ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.importRuns[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, ErrNotFound
}

// CreateExportJob persists a new scheduled export job.
func (m *Memory) CreateExportJob(ctx context.Context, job *ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.exportJobs[job.ID] = &cp
	return nil
}

// PendingExportJobs returns jobs that still have pages to write.
func (m *Memory) PendingExportJobs(ctx context.Context) ([]*ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var jobs []*ExportJob
	for _, j := range m.exportJobs {
		if j.Status == ExportPending || j.Status == ExportRunning {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// UpdateExportJob persists the job's current offset and status.
func (m *Memory) UpdateExportJob(ctx context.Context, job *ExportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.UpdatedAt = time.Now()
	cp := *job
	m.exportJobs[job.ID] = &cp
	return nil
}

// ExportJobByID returns the job with the given ID, or ErrNotFound.
func (m *Memory) ExportJobByID(ctx context.Context, id string) (*ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.exportJobs[id]; ok {
		cp := *j
		return &cp, nil
	}
	return nil, ErrNotFound
}
