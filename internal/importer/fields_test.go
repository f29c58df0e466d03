package importer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMappingRow(t *testing.T) {
	idx := NewHeaderIndex([]string{"Email Address", "SKU", "start_date"})
	mapping := FieldMapping{
		FieldCustomerEmail: "email address",
		FieldProductID:     "SKU",
		FieldStartDate:     "start_date",
		FieldOrderTotal:    "missing_column",
	}

	row := mapping.Row(idx, []string{"  a@example.com ", "42", "2024-01-01"})

	if row[FieldCustomerEmail] != "a@example.com" {
		t.Errorf("customer_email = %q", row[FieldCustomerEmail])
	}
	if row[FieldProductID] != "42" {
		t.Errorf("product_id = %q", row[FieldProductID])
	}
	if _, ok := row[FieldOrderTotal]; ok {
		t.Error("field bound to an absent header should not appear in the row")
	}
}

func TestMappingRow_ShortRecord(t *testing.T) {
	idx := NewHeaderIndex([]string{"customer_email", "product_id"})
	row := DefaultMapping().Row(idx, []string{"a@example.com"})
	if row[FieldCustomerEmail] != "a@example.com" {
		t.Errorf("customer_email = %q", row[FieldCustomerEmail])
	}
	if _, ok := row[FieldProductID]; ok {
		t.Error("column beyond record length should read as absent")
	}
}

func TestDefaultMappingCoversAllFields(t *testing.T) {
	m := DefaultMapping()
	for _, f := range Fields() {
		if m[f] != f {
			t.Errorf("field %q mapped to %q", f, m[f])
		}
	}
}

func TestLoadMappingProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.yaml")
	content := "name: legacy-shop\nfields:\n  customer_email: Email Address\n  product_id: SKU\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	name, m, err := LoadMappingProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if name != "legacy-shop" {
		t.Errorf("name = %q", name)
	}
	if m[FieldCustomerEmail] != "Email Address" || m[FieldProductID] != "SKU" {
		t.Errorf("mapping = %v", m)
	}
}

func TestLoadMappingProfile_UnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("fields:\n  favourite_colour: Colour\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadMappingProfile(path); err == nil {
		t.Error("expected error for unknown semantic field")
	}
}

func TestLoadMappingProfile_NameDefaultsToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shop2.yml")
	if err := os.WriteFile(path, []byte("fields:\n  customer_email: email\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	name, _, err := LoadMappingProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if name != "shop2" {
		t.Errorf("name = %q", name)
	}
}

func TestLoadMappingDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"a.yaml":      "fields:\n  customer_email: email\n",
		"b.yml":       "name: beta\nfields:\n  product_id: sku\n",
		"ignored.txt": "not yaml",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	profiles, err := LoadMappingDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 2 {
		t.Fatalf("profiles = %v", profiles)
	}
	if _, ok := profiles["a"]; !ok {
		t.Error("missing profile a")
	}
	if _, ok := profiles["beta"]; !ok {
		t.Error("missing profile beta")
	}
}

func TestLoadMappingDir_Missing(t *testing.T) {
	profiles, err := LoadMappingDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 0 {
		t.Errorf("profiles = %v", profiles)
	}
}
