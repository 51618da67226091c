// Package retrieval looks up prior artifacts relevant to a prompt. Lookups never
// fail: a broken backend degrades to an empty result.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
)

// DefaultLimit is the number of artifacts a lookup returns.
const DefaultLimit = 5

// Artifact is one retrieved document.
type Artifact struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Retriever finds artifacts for a prompt within an organisation.
type Retriever interface {
	Lookup(ctx context.Context, prompt, orgID string) []Artifact
}

// Embedder turns text into a vector. *llm.EmbeddingClient satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ZeroEmbedder returns a zero vector of Dim dimensions.
type ZeroEmbedder struct {
	Dim int
}

// Embed implements Embedder.
func (z ZeroEmbedder) Embed(context.Context, string) ([]float32, error) {
	dim := z.Dim
	if dim <= 0 {
		dim = 1536
	}
	return make([]float32, dim), nil
}

// PGVector queries the embeddings table by L2 distance.
type PGVector struct {
	db       *sql.DB
	embedder Embedder
	limit    int
	logger   *slog.Logger
}

// Option configures a PGVector retriever.
type Option func(*PGVector)

// WithLimit overrides DefaultLimit.
func WithLimit(n int) Option {
	return func(p *PGVector) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *PGVector) {
		p.logger = logger
	}
}

// NewPGVector creates a retriever. A nil embedder uses ZeroEmbedder.
func NewPGVector(db *sql.DB, embedder Embedder, opts ...Option) *PGVector {
	if embedder == nil {
		embedder = ZeroEmbedder{}
	}
	p := &PGVector{
		db:       db,
		embedder: embedder,
		limit:    DefaultLimit,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Lookup implements Retriever.
func (p *PGVector) Lookup(ctx context.Context, prompt, orgID string) []Artifact {
	vec, err := p.embedder.Embed(ctx, prompt)
	if err != nil {
		p.logger.Warn("Embedding failed, skipping retrieval", "org_id", orgID, "error", err)
		return []Artifact{}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT content, metadata FROM embeddings
		WHERE org_id = $1
		ORDER BY embedding <-> $2::vector
		LIMIT $3
	`, orgID, FormatVector(vec), p.limit)
	if err != nil {
		p.logger.Warn("Retrieval query failed", "org_id", orgID, "error", err)
		return []Artifact{}
	}
	defer rows.Close()

	artifacts := make([]Artifact, 0, p.limit)
	for rows.Next() {
		var (
			content  string
			metadata []byte
		)
		if err := rows.Scan(&content, &metadata); err != nil {
			p.logger.Warn("Retrieval scan failed", "org_id", orgID, "error", err)
			return []Artifact{}
		}
		a := Artifact{Content: content}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				p.logger.Debug("Ignoring malformed artifact metadata", "error", err)
			}
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		p.logger.Warn("Retrieval rows failed", "org_id", orgID, "error", err)
		return []Artifact{}
	}
	return artifacts
}

// FormatVector renders a vector in pgvector's text form.
func FormatVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Static returns the same artifacts for every lookup.
type Static []Artifact

// Lookup implements Retriever.
func (s Static) Lookup(context.Context, string, string) []Artifact {
	out := make([]Artifact, len(s))
	copy(out, s)
	return out
}

// Nop finds nothing.
type Nop struct{}

// Lookup implements Retriever.
func (Nop) Lookup(context.Context, string, string) []Artifact {
	return []Artifact{}
}
