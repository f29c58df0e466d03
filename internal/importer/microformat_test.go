package importer

import (
	"testing"
)

func TestDecodeItems(t *testing.T) {
	tests := []struct {
		name    string
		cell    string
		want    []map[string]string
		wantErr bool
	}{
		{
			name: "single item",
			cell: "code:SAVE10|description:Test|amount:10.00",
			want: []map[string]string{
				{"code": "SAVE10", "description": "Test", "amount": "10.00"},
			},
		},
		{
			name: "multiple items",
			cell: "name:Setup fee|total:5.00;name:Handling|total:2.50",
			want: []map[string]string{
				{"name": "Setup fee", "total": "5.00"},
				{"name": "Handling", "total": "2.50"},
			},
		},
		{
			name: "empty cell",
			cell: "",
			want: nil,
		},
		{
			name: "trailing separator",
			cell: "code:A;",
			want: []map[string]string{{"code": "A"}},
		},
		{
			name:    "missing colon",
			cell:    "code",
			wantErr: true,
		},
		{
			name:    "extra colon in value",
			cell:    "note:a:b",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeItems(tt.cell)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeItems(%q) error = %v, wantErr %v", tt.cell, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("DecodeItems(%q) = %d items, want %d", tt.cell, len(got), len(tt.want))
			}
			for i := range tt.want {
				for k, v := range tt.want[i] {
					if got[i][k] != v {
						t.Errorf("item %d key %q = %q, want %q", i, k, got[i][k], v)
					}
				}
			}
		})
	}
}

func TestCouponRoundTrip(t *testing.T) {
	coupon := map[string]string{
		"code":        "SAVE10",
		"description": "Test",
		"amount":      "10.00",
	}

	encoded, err := EncodeItems([]map[string]string{coupon}, []string{"code", "description", "amount"})
	if err != nil {
		t.Fatalf("EncodeItems error = %v", err)
	}
	if encoded != "code:SAVE10|description:Test|amount:10.00" {
		t.Fatalf("EncodeItems = %q", encoded)
	}

	decoded, err := DecodeItems(encoded)
	if err != nil {
		t.Fatalf("DecodeItems error = %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("decoded %d items, want 1", len(decoded))
	}
	if decoded[0]["code"] != "SAVE10" {
		t.Errorf("code = %q, want SAVE10", decoded[0]["code"])
	}
	if decoded[0]["amount"] != "10.00" {
		t.Errorf("amount = %q, want 10.00", decoded[0]["amount"])
	}
}

func TestEncodeItems_RejectsDelimiters(t *testing.T) {
	tests := []struct {
		name string
		item map[string]string
	}{
		{"semicolon in value", map[string]string{"code": "A;B"}},
		{"pipe in value", map[string]string{"code": "A|B"}},
		{"colon in value", map[string]string{"code": "A:B"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeItems([]map[string]string{tt.item}, []string{"code"}); err == nil {
				t.Errorf("EncodeItems(%v) = nil error, want delimiter rejection", tt.item)
			}
		})
	}
}

func TestEncodeItems_KeyOrder(t *testing.T) {
	items := []map[string]string{
		{"total": "9.99", "name": "Fee"},
	}
	got, err := EncodeItems(items, []string{"name", "total", "tax"})
	if err != nil {
		t.Fatalf("EncodeItems error = %v", err)
	}
	if got != "name:Fee|total:9.99" {
		t.Errorf("EncodeItems = %q, want name first and absent keys skipped", got)
	}
}
