package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/venugopal1902/email-verifier/internal/domain"
	"github.com/venugopal1902/email-verifier/internal/service/suppression"
)

// RingRepo implements suppression.RingStore. The ring is a single row;
// each process keeps one row in ring_nodes with the version it runs.
type RingRepo struct{ db *sql.DB }

// NewRingRepo creates a Postgres-backed ring store.
func NewRingRepo(db *sql.DB) *RingRepo { return &RingRepo{db: db} }

var _ suppression.RingStore = (*RingRepo)(nil)

func (r *RingRepo) LoadRing(ctx context.Context) (*domain.RingConfig, error) {
	var (
		cfg           domain.RingConfig
		current, prev []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT version, virtual_nodes, current_shards, previous_shards, updated_at
		FROM ring_config WHERE id = 1
	`).Scan(&cfg.Version, &cfg.VirtualNodes, &current, &prev, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ring: %w", err)
	}
	if err := json.Unmarshal(current, &cfg.Current); err != nil {
		return nil, fmt.Errorf("decode ring shards: %w", err)
	}
	if len(prev) > 0 {
		if err := json.Unmarshal(prev, &cfg.Previous); err != nil {
			return nil, fmt.Errorf("decode previous ring shards: %w", err)
		}
	}
	return &cfg, nil
}

// PublishRing upserts the row only when it moves the version forward by one.
func (r *RingRepo) PublishRing(ctx context.Context, cfg *domain.RingConfig) error {
	current, err := json.Marshal(cfg.Current)
	if err != nil {
		return fmt.Errorf("encode ring shards: %w", err)
	}
	var prev sql.NullString
	if len(cfg.Previous) > 0 {
		b, err := json.Marshal(cfg.Previous)
		if err != nil {
			return fmt.Errorf("encode previous ring shards: %w", err)
		}
		prev = sql.NullString{String: string(b), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO ring_config (id, version, virtual_nodes, current_shards, previous_shards, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version,
		    virtual_nodes = EXCLUDED.virtual_nodes,
		    current_shards = EXCLUDED.current_shards,
		    previous_shards = EXCLUDED.previous_shards,
		    updated_at = NOW()
		WHERE ring_config.version = EXCLUDED.version - 1
	`, cfg.Version, cfg.VirtualNodes, string(current), prev)
	if err != nil {
		return fmt.Errorf("publish ring: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrStaleVersion
	}
	return nil
}

func (r *RingRepo) AckRing(ctx context.Context, node string, version int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ring_nodes (node_id, version, seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (node_id) DO UPDATE SET version = EXCLUDED.version, seen_at = NOW()
	`, node, version)
	if err != nil {
		return fmt.Errorf("ack ring: %w", err)
	}
	return nil
}

// StaleNodes compares against the database clock so node clocks never matter.
func (r *RingRepo) StaleNodes(ctx context.Context, version int64, liveness time.Duration) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_id FROM ring_nodes
		WHERE version < $1 AND seen_at >= NOW() - ($2 * INTERVAL '1 millisecond')
		ORDER BY node_id
	`, version, liveness.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("stale ring nodes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ring node: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *RingRepo) ForgetNode(ctx context.Context, node string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM ring_nodes WHERE node_id = $1`, node); err != nil {
		return fmt.Errorf("forget ring node: %w", err)
	}
	return nil
}
