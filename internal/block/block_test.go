package block

import (
	"errors"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func TestNew(t *testing.T) {
	b := New(TypeKnowledge, "x")
	if b.ID == "" || b.NamespaceID != DefaultNamespace || b.BlockVersion != 1 {
		t.Errorf("unexpected defaults %+v", b)
	}
	if err := Validate(b, 0); err != nil {
		t.Errorf("new block should be valid: %v", err)
	}
	if New(TypeNote, "y").ID == b.ID {
		t.Error("ids must be unique")
	}
}

func TestApplyDefaults(t *testing.T) {
	b := &Block{ID: "b1", Type: TypeKnowledge, Text: "x"}
	b.ApplyDefaults()
	if b.State != StateDraft || b.Visibility != VisibilityInternal || b.Tags == nil || b.BlockVersion != 1 {
		t.Errorf("unexpected defaults %+v", b)
	}
	if b.ID != "b1" {
		t.Error("existing id must be kept")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Block {
		b := &Block{ID: "b1", Type: TypeKnowledge, Text: "x", Tags: []string{"a"}}
		b.ApplyDefaults()
		return b
	}

	testCases := []struct {
		name   string
		mutate func(*Block)
		dim    int
		field  string
	}{
		{"missing id", func(b *Block) { b.ID = "" }, 0, "id"},
		{"missing text", func(b *Block) { b.Text = "  " }, 0, "text"},
		{"missing namespace", func(b *Block) { b.NamespaceID = "" }, 0, "namespace_id"},
		{"unknown type", func(b *Block) { b.Type = "poem" }, 0, "type"},
		{"bad state", func(b *Block) { b.State = "deleted" }, 0, "state"},
		{"bad visibility", func(b *Block) { b.Visibility = "secret" }, 0, "visibility"},
		{"zero version", func(b *Block) { b.BlockVersion = 0 }, 0, "block_version"},
		{"negative schema version", func(b *Block) { b.SchemaVersion = ptr(-1) }, 0, "schema_version"},
		{"self parent", func(b *Block) { b.ParentID = ptr("b1") }, 0, "parent_id"},
		{"empty tag", func(b *Block) { b.Tags = []string{"a", ""} }, 0, "tags"},
		{"ai confidence", func(b *Block) { b.Confidence = &Confidence{AI: ptr(1.5)} }, 0, "confidence.ai"},
		{"human confidence", func(b *Block) { b.Confidence = &Confidence{Human: ptr(-0.1)} }, 0, "confidence.human"},
		{"embedding dim", func(b *Block) { b.Embedding = []float32{1, 2} }, 3, "embedding"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := valid()
			tc.mutate(b)
			err := Validate(b, tc.dim)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !ve.Has(tc.field) {
				t.Errorf("expected field %q in %v", tc.field, ve.Fields)
			}
		})
	}

	t.Run("Valid", func(t *testing.T) {
		b := valid()
		b.Confidence = &Confidence{AI: ptr(0.9), Human: ptr(1.0)}
		b.Embedding = []float32{1, 2, 3}
		if err := Validate(b, 3); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Collects All Fields", func(t *testing.T) {
		err := Validate(&Block{}, 0)
		var ve *ValidationError
		if !errors.As(err, &ve) || len(ve.Fields) < 5 {
			t.Errorf("expected several field errors, got %v", err)
		}
	})
}

func TestSummary(t *testing.T) {
	b := &Block{Text: "  hello\n  world  "}
	if got := b.Summary(0); got != "hello world" {
		t.Errorf("got %q", got)
	}
	if got := b.Summary(5); got != "hello..." {
		t.Errorf("got %q", got)
	}
}
