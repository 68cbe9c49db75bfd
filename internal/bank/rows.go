package bank

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/felixgeelhaar/memoria/internal/block"
	"github.com/felixgeelhaar/memoria/internal/dolt"
	"github.com/felixgeelhaar/memoria/internal/property"
)

const blockColumns = "id, namespace_id, type, schema_version, text, state, visibility, block_version, " +
	"parent_id, has_children, tags, source_file, source_uri, confidence, embedding, created_by, created_at, updated_at"

const propertyColumns = "block_id, property_name, property_type, property_value_text, property_value_number, property_value_json"

func formatTime(t time.Time) string {
	return t.UTC().Format(dolt.TimeLayout)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableJSON(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// blockArgs returns the values for blockColumns, in order.
func blockArgs(b *block.Block) ([]any, error) {
	tags, err := json.Marshal(b.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	conf, err := nullableJSON(b.Confidence, b.Confidence == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode confidence: %w", err)
	}
	emb, err := nullableJSON(b.Embedding, len(b.Embedding) == 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding: %w", err)
	}
	var schemaVersion any
	if b.SchemaVersion != nil {
		schemaVersion = *b.SchemaVersion
	}

	return []any{
		b.ID, b.NamespaceID, string(b.Type), schemaVersion, b.Text, string(b.State), string(b.Visibility), b.BlockVersion,
		nullableString(b.ParentID), b.HasChildren, string(tags), nullableString(b.SourceFile), nullableString(b.SourceURI),
		conf, emb, b.CreatedBy, formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	}, nil
}

func (bk *Bank) insertBlock(ctx context.Context, b *block.Block) error {
	args, err := blockArgs(b)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("INSERT INTO memory_blocks (%s) VALUES (%s)", blockColumns, placeholders(len(args)))
	if _, err := bk.store.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to insert block %s: %w", b.ID, err)
	}
	return nil
}

// updateBlockRow rewrites the mutable columns. schema_version, parent_id,
// has_children and the creation fields are left alone.
func (bk *Bank) updateBlockRow(ctx context.Context, b *block.Block) error {
	args, err := blockArgs(b)
	if err != nil {
		return err
	}
	_, err = bk.store.Exec(ctx,
		`UPDATE memory_blocks SET namespace_id = ?, type = ?, text = ?, state = ?, visibility = ?,
			block_version = ?, tags = ?, source_file = ?, source_uri = ?, confidence = ?, embedding = ?,
			updated_at = ? WHERE id = ?`,
		args[1], args[2], args[4], args[5], args[6],
		args[7], args[10], args[11], args[12], args[13], args[14],
		args[17], b.ID)
	if err != nil {
		return fmt.Errorf("failed to update block %s: %w", b.ID, err)
	}
	return nil
}

// replaceProperties swaps the block's property rows for the decomposed
// metadata.
func (bk *Bank) replaceProperties(ctx context.Context, b *block.Block, preserveNulls bool) (int, error) {
	if _, err := bk.store.Exec(ctx, "DELETE FROM block_properties WHERE block_id = ?", b.ID); err != nil {
		return 0, fmt.Errorf("failed to clear properties of %s: %w", b.ID, err)
	}
	props := property.Decompose(b.ID, b.Metadata, property.Options{PreserveNulls: preserveNulls, Observer: bk.obs})
	q := fmt.Sprintf("INSERT INTO block_properties (%s) VALUES (?, ?, ?, ?, ?, ?)", propertyColumns)
	for _, p := range props {
		var num any
		if p.Number != nil {
			num = *p.Number
		}
		if _, err := bk.store.Exec(ctx, q,
			p.BlockID, p.Name, string(p.Type), nullableString(p.Text), num, nullableString(p.JSON)); err != nil {
			return 0, fmt.Errorf("failed to write property %s of %s: %w", p.Name, b.ID, err)
		}
	}
	return len(props), nil
}

func scanBlock(r dolt.Row) (*block.Block, error) {
	b := &block.Block{
		ID:           r.String("id"),
		NamespaceID:  r.String("namespace_id"),
		Type:         block.Type(r.String("type")),
		Text:         r.String("text"),
		State:        block.State(r.String("state")),
		Visibility:   block.Visibility(r.String("visibility")),
		BlockVersion: int(r.Int64("block_version")),
		ParentID:     r.NullString("parent_id"),
		HasChildren:  r.Bool("has_children"),
		SourceFile:   r.NullString("source_file"),
		SourceURI:    r.NullString("source_uri"),
		CreatedBy:    r.String("created_by"),
		CreatedAt:    r.Time("created_at"),
		UpdatedAt:    r.Time("updated_at"),
		Tags:         []string{},
		Metadata:     map[string]any{},
	}
	if r["schema_version"] != nil {
		v := int(r.Int64("schema_version"))
		b.SchemaVersion = &v
	}
	if s := r.String("tags"); s != "" {
		if err := json.Unmarshal([]byte(s), &b.Tags); err != nil {
			return nil, fmt.Errorf("block %s: invalid tags: %w", b.ID, err)
		}
	}
	if s := r.String("confidence"); s != "" {
		var c block.Confidence
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			return nil, fmt.Errorf("block %s: invalid confidence: %w", b.ID, err)
		}
		b.Confidence = &c
	}
	if s := r.String("embedding"); s != "" {
		if err := json.Unmarshal([]byte(s), &b.Embedding); err != nil {
			return nil, fmt.Errorf("block %s: invalid embedding: %w", b.ID, err)
		}
	}
	return b, nil
}

func scanProperty(r dolt.Row) property.Property {
	return property.Property{
		BlockID: r.String("block_id"),
		Name:    r.String("property_name"),
		Type:    property.Type(r.String("property_type")),
		Encoded: property.Encoded{
			Text:   r.NullString("property_value_text"),
			Number: r.NullFloat64("property_value_number"),
			JSON:   r.NullString("property_value_json"),
		},
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var revisionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// asOf renders a Dolt "AS OF" clause for a branch or commit. Revisions are
// restricted to branch-name characters because the clause cannot be bound
// as a parameter.
func asOf(revision string) (string, error) {
	if revision == "" {
		return "", nil
	}
	if !revisionPattern.MatchString(revision) || strings.Contains(revision, "..") {
		return "", fmt.Errorf("invalid revision %q", revision)
	}
	return fmt.Sprintf(" AS OF '%s'", revision), nil
}

// tagPattern is a LIKE pattern matching the JSON-encoded tag inside the tags
// column. Matches are re-checked in Go.
func tagPattern(tag string) string {
	enc, _ := json.Marshal(tag)
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return "%" + r.Replace(string(enc)) + "%"
}
