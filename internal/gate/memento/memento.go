// Package memento implements the keyword-indexed note store. Keywords are
// normalized and Porter-stemmed before storage, so a search for "games"
// finds a memento saved under "gaming". All operations are strictly scoped
// to the owning agent.
package memento

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kljensen/snowball"

	"github.com/agentgate/agentgate/internal/gate/store"
)

var (
	// ErrContentTooLarge rejects contents over the 12 KiB cap.
	ErrContentTooLarge = errors.New("memento: content too large")
	// ErrTooManyKeywords rejects saves with more than 10 keywords.
	ErrTooManyKeywords = errors.New("memento: too many keywords")
	// ErrNoKeywords rejects saves with no keywords at all.
	ErrNoKeywords = errors.New("memento: at least one keyword required")
	// ErrTooManyIDs rejects get-by-ids calls with more than 20 ids.
	ErrTooManyIDs = errors.New("memento: too many ids")
)

const (
	maxContentBytes = 12 * 1024
	maxKeywords     = 10
	maxGetIDs       = 20
	previewLen      = 100
)

// Store wraps the persistence layer with the stemming and cap rules.
type Store struct {
	store *store.Store
}

// New wraps the store.
func New(st *store.Store) *Store {
	return &Store{store: st}
}

// Stem normalizes one keyword (lowercase, strip everything but letters,
// digits, and hyphens) and returns its Porter stem. Empty normalizations
// return "". Stemming is idempotent: Stem(Stem(w)) == Stem(w).
func Stem(keyword string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(keyword) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	normalized := b.String()
	if normalized == "" {
		return ""
	}
	stemmed, err := snowball.Stem(normalized, "english", false)
	if err != nil {
		return normalized
	}
	return stemmed
}

// stems normalizes a keyword list: stem each, drop empties, dedupe while
// preserving first-seen order.
func stems(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	var out []string
	for _, kw := range keywords {
		s := Stem(kw)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Save validates and persists a memento with its keyword stems atomically.
func (s *Store) Save(ctx context.Context, agentID int64, content string, keywords []string, model, role *string) (*store.Memento, error) {
	if len(content) > maxContentBytes {
		return nil, fmt.Errorf("content is %d bytes (max %d): %w", len(content), maxContentBytes, ErrContentTooLarge)
	}
	if len(keywords) == 0 {
		return nil, ErrNoKeywords
	}
	if len(keywords) > maxKeywords {
		return nil, fmt.Errorf("%d keywords (max %d): %w", len(keywords), maxKeywords, ErrTooManyKeywords)
	}
	st := stems(keywords)
	if len(st) == 0 {
		return nil, fmt.Errorf("no keyword survived normalization: %w", ErrNoKeywords)
	}

	m := &store.Memento{AgentID: agentID, Model: model, Role: role, Content: content}
	if err := s.store.InsertMemento(ctx, m, st); err != nil {
		return nil, err
	}
	return m, nil
}

// SearchHit is one ranked search result: a preview, not the full content.
type SearchHit struct {
	ID         int64     `json:"id"`
	Preview    string    `json:"preview"`
	MatchCount int       `json:"match_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Search stems the query keywords and returns the agent's mementos with at
// least one intersecting stem, ranked by descending match count then
// recency. Limit defaults to 10 and caps at 100.
func (s *Store) Search(ctx context.Context, agentID int64, keywords []string, limit int) ([]SearchHit, error) {
	st := stems(keywords)
	if len(st) == 0 {
		return nil, nil
	}
	matches, err := s.store.SearchMementos(ctx, agentID, st, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, SearchHit{
			ID:         m.Memento.ID,
			Preview:    preview(m.Memento.Content),
			MatchCount: m.MatchCount,
			CreatedAt:  m.Memento.CreatedAt,
		})
	}
	return hits, nil
}

// Meta is the metadata-only view used by Recent.
type Meta struct {
	ID        int64     `json:"id"`
	Preview   string    `json:"preview"`
	Keywords  []string  `json:"keywords"`
	CreatedAt time.Time `json:"created_at"`
}

// Recent returns the agent's newest mementos without their full content.
func (s *Store) Recent(ctx context.Context, agentID int64, limit int) ([]Meta, error) {
	mementos, err := s.store.ListRecentMementos(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}
	metas := make([]Meta, 0, len(mementos))
	for _, m := range mementos {
		metas = append(metas, Meta{
			ID:        m.ID,
			Preview:   preview(m.Content),
			Keywords:  m.Stems,
			CreatedAt: m.CreatedAt,
		})
	}
	return metas, nil
}

// GetByIDs returns the named mementos with full content, capped at 20 ids.
// Ids the agent does not own are silently skipped.
func (s *Store) GetByIDs(ctx context.Context, agentID int64, ids []int64) ([]*store.Memento, error) {
	if len(ids) > maxGetIDs {
		return nil, fmt.Errorf("%d ids (max %d): %w", len(ids), maxGetIDs, ErrTooManyIDs)
	}
	return s.store.GetMementosByIDs(ctx, agentID, ids)
}

// Keywords returns the agent's distinct stems with usage counts.
func (s *Store) Keywords(ctx context.Context, agentID int64) (map[string]int, error) {
	return s.store.ListMementoKeywords(ctx, agentID)
}

func preview(content string) string {
	if len(content) <= previewLen {
		return content
	}
	// Cut on a rune boundary.
	cut := previewLen
	for cut > 0 && content[cut]&0xC0 == 0x80 {
		cut--
	}
	return content[:cut]
}
