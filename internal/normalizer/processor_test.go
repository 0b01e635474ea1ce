package normalizer

import (
	"errors"
	"strings"
	"testing"

	"facilitysync/internal/models"
)

func TestNewProcessor(t *testing.T) {
	p := NewProcessor()
	if p == nil {
		t.Fatal("NewProcessor returned nil")
	}
}

func TestProcessor_Process(t *testing.T) {
	p := NewProcessor()

	rec, err := p.Process(models.Candidate{
		"name":    "  A Gym ",
		"address": "1 Main St",
		"phone":   " 555-0000 ",
	})
	if err != nil {
		t.Fatalf("Process returned unexpected error: %v", err)
	}

	if rec.Name != "A Gym" {
		t.Errorf("Name = %q, want trimmed", rec.Name)
	}

	if v, _ := rec.Attr("phone"); v != "555-0000" {
		t.Errorf("phone = %v, want trimmed", v)
	}
}

func TestProcessor_Process_NonStringName(t *testing.T) {
	p := NewProcessor()

	_, err := p.Process(models.Candidate{"name": []any{"x"}, "address": "1 Main St"})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}

func TestProcessor_ProcessAll(t *testing.T) {
	p := NewProcessor()

	result := p.ProcessAll([]models.Candidate{
		{"name": "Gym One", "address": "1 Main St"},
		{"name": strings.Repeat("x", 250), "address": "2 Main St"},
		{"name": 7.0, "address": "3 Main St"},
		{"name": "Gym Four", "address": "4 Main St"},
	})

	if len(result.Records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(result.Records))
	}

	if result.InvalidCount != 2 || len(result.Rejected) != 2 {
		t.Errorf("Expected 2 rejected, got %d (%v)", result.InvalidCount, result.Rejected)
	}

	if result.Records[0].Name != "Gym One" || result.Records[1].Name != "Gym Four" {
		t.Errorf("Order not preserved: %+v", result.Records)
	}
}

func TestKey(t *testing.T) {
	a := Key("A Gym", "1 Main St")
	b := Key("  a   gym", "1 MAIN st ")

	if a != b {
		t.Errorf("Expected equal keys, got %q and %q", a, b)
	}

	if Key("ab", "c") == Key("a", "bc") {
		t.Error("Keys of different facilities collide")
	}
}

func TestTransformer_DropsBlankKeys(t *testing.T) {
	tr := NewTransformer()

	rec := models.FacilityRecord{Name: "Gym", Address: "1 Main St"}
	rec.SetAttr(" ", "junk")
	rec.SetAttr("site", " https://gym.example ")

	out := tr.Transform(rec)
	if _, ok := out.Attr(" "); ok {
		t.Error("Blank attribute key should be dropped")
	}

	if v, _ := out.Attr("site"); v != "https://gym.example" {
		t.Errorf("site = %v", v)
	}

	if _, ok := rec.Attr(" "); !ok {
		t.Error("Transform must not modify its input")
	}
}
