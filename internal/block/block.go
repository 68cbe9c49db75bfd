// Package block defines the memory block record, its links and proofs, and
// the validation applied before any write.
package block

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultNamespace is always present and skips the namespace lookup.
const DefaultNamespace = "default"

// Type is the closed set of record kinds.
type Type string

const (
	TypeKnowledge    Type = "knowledge"
	TypeMemory       Type = "memory"
	TypeTask         Type = "task"
	TypeNote         Type = "note"
	TypeConversation Type = "conversation"
	TypeDocument     Type = "document"
	TypeSummary      Type = "summary"
	TypeReflection   Type = "reflection"
	TypeEntity       Type = "entity"
)

// Types lists every valid Type.
var Types = []Type{
	TypeKnowledge, TypeMemory, TypeTask, TypeNote, TypeConversation,
	TypeDocument, TypeSummary, TypeReflection, TypeEntity,
}

func (t Type) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

type State string

const (
	StateDraft     State = "draft"
	StatePublished State = "published"
	StateArchived  State = "archived"
)

func (s State) Valid() bool {
	return s == StateDraft || s == StatePublished || s == StateArchived
}

type Visibility string

const (
	VisibilityInternal   Visibility = "internal"
	VisibilityPublic     Visibility = "public"
	VisibilityRestricted Visibility = "restricted"
)

func (v Visibility) Valid() bool {
	return v == VisibilityInternal || v == VisibilityPublic || v == VisibilityRestricted
}

// Confidence pairs a model's and a human's confidence, each in [0, 1].
type Confidence struct {
	AI    *float64 `json:"ai,omitempty"`
	Human *float64 `json:"human,omitempty"`
}

// Block is the versioned memory record.
type Block struct {
	ID            string         `json:"id"`
	NamespaceID   string         `json:"namespace_id"`
	Type          Type           `json:"type"`
	SchemaVersion *int           `json:"schema_version,omitempty"`
	Text          string         `json:"text"`
	State         State          `json:"state"`
	Visibility    Visibility     `json:"visibility"`
	BlockVersion  int            `json:"block_version"`
	ParentID      *string        `json:"parent_id,omitempty"`
	HasChildren   bool           `json:"has_children"`
	Tags          []string       `json:"tags"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SourceFile    *string        `json:"source_file,omitempty"`
	SourceURI     *string        `json:"source_uri,omitempty"`
	Confidence    *Confidence    `json:"confidence,omitempty"`
	Embedding     []float32      `json:"embedding,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// New returns a draft internal block with a fresh id in the default
// namespace.
func New(typ Type, text string) *Block {
	return &Block{
		ID:           uuid.NewString(),
		NamespaceID:  DefaultNamespace,
		Type:         typ,
		Text:         text,
		State:        StateDraft,
		Visibility:   VisibilityInternal,
		BlockVersion: 1,
		Tags:         []string{},
		Metadata:     map[string]any{},
	}
}

// ApplyDefaults fills the fields a caller may leave empty.
func (b *Block) ApplyDefaults() {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.NamespaceID == "" {
		b.NamespaceID = DefaultNamespace
	}
	if b.State == "" {
		b.State = StateDraft
	}
	if b.Visibility == "" {
		b.Visibility = VisibilityInternal
	}
	if b.BlockVersion == 0 {
		b.BlockVersion = 1
	}
	if b.Tags == nil {
		b.Tags = []string{}
	}
}

// HasTag reports whether tag is among b's tags.
func (b *Block) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Summary is a short single-line excerpt of the text.
func (b *Block) Summary(max int) string {
	s := strings.Join(strings.Fields(b.Text), " ")
	if max > 0 && len([]rune(s)) > max {
		return string([]rune(s)[:max]) + "..."
	}
	return s
}

// RelationContains is the link relation that maintains parent_id and
// has_children.
const RelationContains = "contains"

// Link is a directed, typed edge between two blocks.
type Link struct {
	FromID    string         `json:"from_id"`
	ToID      string         `json:"to_id"`
	Relation  string         `json:"relation"`
	Priority  int            `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Operation is a mutation kind recorded in a proof.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// StagedCommit marks a proof whose mutation has not been committed yet.
const StagedCommit = "STAGED"

// Proof is one append-only audit row.
type Proof struct {
	BlockID    string    `json:"block_id"`
	Operation  Operation `json:"operation"`
	CommitHash string    `json:"commit_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

func (p Proof) String() string {
	return fmt.Sprintf("%s %s %s", p.Operation, p.BlockID, p.CommitHash)
}
