package block

import (
	"fmt"
	"strings"
)

// FieldError is one failed check.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError collects every failed check on a block.
type ValidationError struct {
	BlockID string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("invalid block %q: %s", e.BlockID, strings.Join(parts, "; "))
}

// Has reports whether field failed.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks b without any I/O. embeddingDim > 0 requires a non-empty
// embedding to have exactly that length. It returns nil or a
// *ValidationError.
func Validate(b *Block, embeddingDim int) error {
	if b == nil {
		return &ValidationError{Fields: []FieldError{{Field: "block", Message: "is nil"}}}
	}
	ve := &ValidationError{BlockID: b.ID}

	if strings.TrimSpace(b.ID) == "" {
		ve.add("id", "is required")
	}
	if strings.TrimSpace(b.NamespaceID) == "" {
		ve.add("namespace_id", "is required")
	}
	if !b.Type.Valid() {
		ve.add("type", "unknown type %q", b.Type)
	}
	if strings.TrimSpace(b.Text) == "" {
		ve.add("text", "is required")
	}
	if !b.State.Valid() {
		ve.add("state", "must be draft, published or archived, got %q", b.State)
	}
	if !b.Visibility.Valid() {
		ve.add("visibility", "must be internal, public or restricted, got %q", b.Visibility)
	}
	if b.BlockVersion <= 0 {
		ve.add("block_version", "must be positive, got %d", b.BlockVersion)
	}
	if b.SchemaVersion != nil && *b.SchemaVersion <= 0 {
		ve.add("schema_version", "must be positive, got %d", *b.SchemaVersion)
	}
	if b.ParentID != nil && *b.ParentID == b.ID {
		ve.add("parent_id", "a block cannot be its own parent")
	}
	for i, t := range b.Tags {
		if strings.TrimSpace(t) == "" {
			ve.add("tags", "tag %d is empty", i)
		}
	}
	if c := b.Confidence; c != nil {
		if c.AI != nil && (*c.AI < 0 || *c.AI > 1) {
			ve.add("confidence.ai", "must be within [0, 1], got %v", *c.AI)
		}
		if c.Human != nil && (*c.Human < 0 || *c.Human > 1) {
			ve.add("confidence.human", "must be within [0, 1], got %v", *c.Human)
		}
	}
	if embeddingDim > 0 && len(b.Embedding) > 0 && len(b.Embedding) != embeddingDim {
		ve.add("embedding", "expected %d dimensions, got %d", embeddingDim, len(b.Embedding))
	}

	if len(ve.Fields) == 0 {
		return nil
	}
	return ve
}
