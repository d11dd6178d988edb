package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Memento is an immutable, keyword-tagged note owned by exactly one agent.
type Memento struct {
	ID        int64
	AgentID   int64
	Model     *string
	Role      *string
	Content   string
	CreatedAt time.Time
	// Stems holds the keyword stems when the query loads them.
	Stems []string
}

// MementoMatch pairs a memento with its distinct-stem match count from a
// search query.
type MementoMatch struct {
	Memento    *Memento
	MatchCount int
}

// InsertMemento writes the memento and its keyword stems in one transaction.
// Stems must already be normalized, stemmed, and deduplicated.
func (s *Store) InsertMemento(ctx context.Context, m *Memento, stems []string) error {
	m.CreatedAt = time.Now().UTC().Truncate(time.Second)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin memento tx: %w", err)
	}

	var model, role any
	if m.Model != nil {
		model = *m.Model
	}
	if m.Role != nil {
		role = *m.Role
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO mementos (agent_id, model, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.AgentID, model, role, m.Content, fmtTime(m.CreatedAt))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert memento: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert memento: last insert id: %w", err)
	}

	for _, stem := range stems {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memento_keywords (memento_id, keyword_stem) VALUES (?, ?)
		`, m.ID, stem); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert memento keyword %q: %w", stem, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit memento: %w", err)
	}
	m.Stems = stems
	return nil
}

// SearchMementos returns the agent's mementos whose keyword stems intersect
// the given stems, ranked by descending number of matched distinct stems and
// then by recency.
func (s *Store) SearchMementos(ctx context.Context, agentID int64, stems []string, limit int) ([]*MementoMatch, error) {
	if len(stems) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}

	placeholders := strings.Repeat("?,", len(stems))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(stems)+2)
	args = append(args, agentID)
	for _, st := range stems {
		args = append(args, st)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.agent_id, m.model, m.role, m.content, m.created_at,
		       COUNT(DISTINCT k.keyword_stem) AS matches
		FROM mementos m
		JOIN memento_keywords k ON k.memento_id = m.id
		WHERE m.agent_id = ? AND k.keyword_stem IN (`+placeholders+`)
		GROUP BY m.id
		ORDER BY matches DESC, m.created_at DESC, m.id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search mementos: %w", err)
	}
	defer rows.Close()

	var matches []*MementoMatch
	for rows.Next() {
		m := &Memento{}
		var model, role sql.NullString
		var createdAt string
		var count int
		if err := rows.Scan(&m.ID, &m.AgentID, &model, &role, &m.Content, &createdAt, &count); err != nil {
			return nil, fmt.Errorf("scan memento match: %w", err)
		}
		if model.Valid {
			m.Model = &model.String
		}
		if role.Valid {
			m.Role = &role.String
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		matches = append(matches, &MementoMatch{Memento: m, MatchCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memento matches: %w", err)
	}
	return matches, nil
}

// ListRecentMementos returns the agent's newest mementos with their stems.
func (s *Store) ListRecentMementos(ctx context.Context, agentID int64, limit int) ([]*Memento, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, model, role, content, created_at
		FROM mementos
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent mementos: %w", err)
	}
	defer rows.Close()

	mementos, err := s.collectMementos(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachStems(ctx, mementos); err != nil {
		return nil, err
	}
	return mementos, nil
}

// GetMementosByIDs returns the named mementos, content included, strictly
// scoped to the owning agent. Unknown ids are silently skipped.
func (s *Store) GetMementosByIDs(ctx context.Context, agentID int64, ids []int64) ([]*Memento, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, agentID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, model, role, content, created_at
		FROM mementos
		WHERE agent_id = ? AND id IN (`+placeholders+`)
		ORDER BY created_at DESC, id DESC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get mementos by ids: %w", err)
	}
	defer rows.Close()

	mementos, err := s.collectMementos(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachStems(ctx, mementos); err != nil {
		return nil, err
	}
	return mementos, nil
}

// ListMementoKeywords returns the agent's distinct keyword stems with usage
// counts, most used first.
func (s *Store) ListMementoKeywords(ctx context.Context, agentID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.keyword_stem, COUNT(*)
		FROM memento_keywords k
		JOIN mementos m ON m.id = k.memento_id
		WHERE m.agent_id = ?
		GROUP BY k.keyword_stem
		ORDER BY COUNT(*) DESC, k.keyword_stem
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list memento keywords: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var stem string
		var n int
		if err := rows.Scan(&stem, &n); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		counts[stem] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keywords: %w", err)
	}
	return counts, nil
}

func (s *Store) collectMementos(rows *sql.Rows) ([]*Memento, error) {
	var mementos []*Memento
	for rows.Next() {
		m := &Memento{}
		var model, role sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.AgentID, &model, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memento: %w", err)
		}
		if model.Valid {
			m.Model = &model.String
		}
		if role.Valid {
			m.Role = &role.String
		}
		var err error
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		mementos = append(mementos, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mementos: %w", err)
	}
	return mementos, nil
}

func (s *Store) attachStems(ctx context.Context, mementos []*Memento) error {
	for _, m := range mementos {
		rows, err := s.db.QueryContext(ctx, `
			SELECT keyword_stem FROM memento_keywords
			WHERE memento_id = ?
			ORDER BY keyword_stem
		`, m.ID)
		if err != nil {
			return fmt.Errorf("load stems for memento %d: %w", m.ID, err)
		}
		for rows.Next() {
			var stem string
			if err := rows.Scan(&stem); err != nil {
				rows.Close()
				return fmt.Errorf("scan stem: %w", err)
			}
			m.Stems = append(m.Stems, stem)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate stems: %w", err)
		}
		rows.Close()
	}
	return nil
}
