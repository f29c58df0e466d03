package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/subvault/subimport/internal/importer"
	"github.com/subvault/subimport/internal/store"
)

func date(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func seedSubscriptions(t *testing.T, st *store.Memory, n int) {
	t.Helper()
	user := st.AddUser(&store.User{Login: "alice", Email: "a@example.com"})

	ctx := context.Background()
	for i := 0; i < n; i++ {
		tx, err := st.Begin(ctx)
		if err != nil {
			t.Fatal(err)
		}
		sub := &store.Subscription{
			CustomerID:      user.ID,
			Status:          store.StatusActive,
			Currency:        "USD",
			BillingPeriod:   store.PeriodMonth,
			BillingInterval: 1,
			StartDate:       date("2024-01-01"),
			TotalCents:      999,
		}
		if _, err := tx.CreateSubscription(ctx, sub); err != nil {
			t.Fatal(err)
		}
		err = tx.AddItem(ctx, &store.Item{
			SubscriptionID: sub.ID,
			Type:           store.ItemLine,
			Name:           "Monthly Box",
			ProductID:      42,
			Quantity:       1,
			TotalCents:     999,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := tx.SetMeta(ctx, sub.ID, "source", "legacy"); err != nil {
			t.Fatal(err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatal(err)
		}
	}
}

func TestValidateColumns(t *testing.T) {
	if err := ValidateColumns(Columns); err != nil {
		t.Errorf("full superset rejected: %v", err)
	}
	if err := ValidateColumns([]string{"subscription_id", "order_total"}); err != nil {
		t.Errorf("valid subset rejected: %v", err)
	}
	if err := ValidateColumns(nil); err == nil {
		t.Error("empty selection accepted")
	}
	if err := ValidateColumns([]string{"favourite_colour"}); err == nil {
		t.Error("unknown column accepted")
	}
}

func TestExportAll(t *testing.T) {
	st := store.NewMemory()
	seedSubscriptions(t, st, 3)

	cols := []string{
		"subscription_id", "customer_email", "subscription_status",
		"order_total", "order_items", "custom_meta",
	}

	var buf bytes.Buffer
	n, err := New(st).ExportAll(context.Background(), &buf, cols, 2)
	if err != nil {
		t.Fatalf("ExportAll error = %v", err)
	}
	if n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want header + 3 rows", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(cols, ",") {
		t.Errorf("header = %v", records[0])
	}

	row := records[1]
	if row[1] != "a@example.com" || row[2] != "active" || row[3] != "9.99" {
		t.Errorf("row = %v", row)
	}
	if row[4] != "product_id:42|quantity:1|total:9.99|tax:0.00" {
		t.Errorf("order_items = %q", row[4])
	}
	if row[5] != "source:legacy" {
		t.Errorf("custom_meta = %q", row[5])
	}
}

func TestExportRoundTripsThroughImporter(t *testing.T) {
	st := store.NewMemory()
	seedSubscriptions(t, st, 1)

	var buf bytes.Buffer
	if _, err := New(st).ExportAll(context.Background(), &buf, []string{"order_items", "coupon_items"}, 10); err != nil {
		t.Fatalf("ExportAll error = %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	items, err := importer.DecodeItems(records[1][0])
	if err != nil {
		t.Fatalf("exported order_items do not decode: %v", err)
	}
	if len(items) != 1 || items[0]["product_id"] != "42" || items[0]["total"] != "9.99" {
		t.Errorf("decoded items = %v", items)
	}
}

func TestWritePage_Exhaustion(t *testing.T) {
	st := store.NewMemory()
	seedSubscriptions(t, st, 5)

	ex := New(st)
	var buf bytes.Buffer

	n, err := ex.WritePage(context.Background(), &buf, []string{"subscription_id"}, 0, 3)
	if err != nil || n != 3 {
		t.Fatalf("first page = %d, %v, want 3 rows", n, err)
	}
	n, err = ex.WritePage(context.Background(), &buf, []string{"subscription_id"}, 3, 3)
	if err != nil || n != 2 {
		t.Fatalf("second page = %d, %v, want 2 rows (exhausted)", n, err)
	}
}
