// Package store provides the Data Access Layer (Repository) for the Chameleon
// application. It handles all direct interactions with the PostgreSQL database
// using the pgx driver.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chameleon-cms/chameleon/internal/rules"
	"github.com/chameleon-cms/chameleon/internal/segment"
)

// Compile-time check to verify that PostgresSegmentStore implements SegmentRepository.
var _ SegmentRepository = (*PostgresSegmentStore)(nil)

// SegmentRepository defines the interface for segment persistence operations.
// Using an interface allows for dependency injection and easier mocking in tests.
type SegmentRepository interface {
	// CreateSegment inserts a segment with its rule set and populates the
	// ID and timestamps in the struct.
	CreateSegment(ctx context.Context, s *segment.Segment) error

	// GetSegment loads one segment with its decoded rule set.
	GetSegment(ctx context.Context, id int64) (*segment.Segment, error)

	// ListSegments loads all segments ordered by ID ascending.
	ListSegments(ctx context.Context) ([]*segment.Segment, error)

	// ListEnabled loads the enabled segments in evaluation order (ID
	// ascending). This is the working set for membership resolution.
	ListEnabled(ctx context.Context) ([]*segment.Segment, error)

	// UpdateSegment persists segment fields and replaces the rule set.
	UpdateSegment(ctx context.Context, s *segment.Segment) error

	// DeleteSegment removes a segment and everything hanging off it.
	DeleteSegment(ctx context.Context, id int64) error

	// ToggleStatus atomically flips enabled/disabled, stamping the
	// transition time and resetting the visit counter on enable. Returns
	// the updated segment.
	ToggleStatus(ctx context.Context, id int64, now time.Time) (*segment.Segment, error)

	// IncrementVisitCounts bumps the cumulative visit counter of the given
	// segments by one each.
	IncrementVisitCounts(ctx context.Context, ids []int64) error

	// AddStaticMember records an identity in the static membership set.
	// Returns false when the identity was already a member.
	AddStaticMember(ctx context.Context, segmentID int64, key string) (bool, error)

	// AddExcludedMember records an identity in the exclusion set.
	AddExcludedMember(ctx context.Context, segmentID int64, key string) error

	// IsStaticMember reports whether an identity is in the membership set.
	IsStaticMember(ctx context.Context, segmentID int64, key string) (bool, error)

	// IsExcludedMember reports whether an identity is in the exclusion set.
	IsExcludedMember(ctx context.Context, segmentID int64, key string) (bool, error)

	// StaticMemberCount returns the current static membership size.
	StaticMemberCount(ctx context.Context, segmentID int64) (int, error)

	// ListStaticMembers returns the member identities in insertion order.
	ListStaticMembers(ctx context.Context, segmentID int64) ([]string, error)

	// SetMatchedUsersCount stores the population diagnostic for segments
	// that could not be filled synchronously.
	SetMatchedUsersCount(ctx context.Context, segmentID int64, count int, at time.Time) error

	// SetFrozen marks a static segment's membership set as computed.
	SetFrozen(ctx context.Context, segmentID int64, frozen bool) error
}

// PostgresSegmentStore is the implementation of SegmentRepository backed by
// PostgreSQL.
type PostgresSegmentStore struct {
	db       *pgxpool.Pool
	registry *rules.Registry
}

// NewPostgresSegmentStore creates a new repository instance with the given
// connection pool and rule registry.
func NewPostgresSegmentStore(db *pgxpool.Pool, registry *rules.Registry) *PostgresSegmentStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	if registry == nil {
		panic("store: rule registry cannot be nil")
	}
	return &PostgresSegmentStore{db: db, registry: registry}
}

const segmentColumns = `
	id, name, status, persistent, match_any, type, capacity,
	randomisation_percent, visit_count, frozen,
	matched_users_count, matched_count_updated_at,
	enabled_at, disabled_at, created_at, updated_at
`

// CreateSegment inserts the segment and its rules in one transaction.
// The RETURNING clause populates the server-generated ID and timestamps.
func (s *PostgresSegmentStore) CreateSegment(ctx context.Context, seg *segment.Segment) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO segments (
			name, status, persistent, match_any, type, capacity,
			randomisation_percent, frozen, matched_users_count,
			matched_count_updated_at, enabled_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		seg.Name,
		seg.Status,
		seg.Persistent,
		seg.MatchAny,
		seg.Type,
		seg.Count,
		seg.RandomisationPercent,
		seg.Frozen,
		seg.MatchedUsersCount,
		seg.MatchedCountUpdatedAt,
		seg.EnabledAt,
	).Scan(&seg.ID, &seg.CreatedAt, &seg.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("segment with name %q already exists", seg.Name)
		}
		return fmt.Errorf("failed to insert segment: %w", err)
	}

	if err := s.insertRules(ctx, tx, seg.ID, seg.Rules); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetSegment loads one segment with its decoded rule set.
func (s *PostgresSegmentStore) GetSegment(ctx context.Context, id int64) (*segment.Segment, error) {
	query := `SELECT ` + segmentColumns + ` FROM segments WHERE id = $1`

	seg, err := scanSegment(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load segment %d: %w", id, err)
	}

	if err := s.loadRules(ctx, []*segment.Segment{seg}); err != nil {
		return nil, err
	}
	return seg, nil
}

// ListSegments loads all segments ordered by ID ascending.
func (s *PostgresSegmentStore) ListSegments(ctx context.Context) ([]*segment.Segment, error) {
	return s.list(ctx, `SELECT `+segmentColumns+` FROM segments ORDER BY id ASC`)
}

// ListEnabled loads the enabled segments in evaluation order.
func (s *PostgresSegmentStore) ListEnabled(ctx context.Context) ([]*segment.Segment, error) {
	return s.list(ctx, `SELECT `+segmentColumns+` FROM segments WHERE status = 'enabled' ORDER BY id ASC`)
}

func (s *PostgresSegmentStore) list(ctx context.Context, query string) ([]*segment.Segment, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []*segment.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment row: %w", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	if err := s.loadRules(ctx, segments); err != nil {
		return nil, err
	}
	return segments, nil
}

// UpdateSegment persists segment fields and replaces the rule set in one
// transaction.
func (s *PostgresSegmentStore) UpdateSegment(ctx context.Context, seg *segment.Segment) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE segments SET
			name = $2, status = $3, persistent = $4, match_any = $5,
			type = $6, capacity = $7, randomisation_percent = $8,
			frozen = $9, matched_users_count = $10,
			matched_count_updated_at = $11, visit_count = $12,
			enabled_at = $13, disabled_at = $14, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err = tx.QueryRow(ctx, query,
		seg.ID,
		seg.Name,
		seg.Status,
		seg.Persistent,
		seg.MatchAny,
		seg.Type,
		seg.Count,
		seg.RandomisationPercent,
		seg.Frozen,
		seg.MatchedUsersCount,
		seg.MatchedCountUpdatedAt,
		seg.VisitCount,
		seg.EnabledAt,
		seg.DisabledAt,
	).Scan(&seg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update segment %d: %w", seg.ID, err)
	}

	// Replace the rule set wholesale. Rule sets are small; diffing them
	// is not worth the complexity.
	if _, err := tx.Exec(ctx, `DELETE FROM segment_rules WHERE segment_id = $1`, seg.ID); err != nil {
		return fmt.Errorf("failed to clear rules for segment %d: %w", seg.ID, err)
	}
	if err := s.insertRules(ctx, tx, seg.ID, seg.Rules); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// DeleteSegment removes a segment. Rules and membership rows cascade.
func (s *PostgresSegmentStore) DeleteSegment(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM segments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete segment %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleStatus flips enabled/disabled under a row lock so concurrent toggles
// serialize. Enabling stamps enabled_at and resets the visit counter;
// disabling stamps disabled_at.
func (s *PostgresSegmentStore) ToggleStatus(ctx context.Context, id int64, now time.Time) (*segment.Segment, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status segment.Status
	err = tx.QueryRow(ctx, `SELECT status FROM segments WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock segment %d: %w", id, err)
	}

	var query string
	if status == segment.StatusEnabled {
		query = `
			UPDATE segments
			SET status = 'disabled', disabled_at = $2, updated_at = now()
			WHERE id = $1
			RETURNING ` + segmentColumns
	} else {
		query = `
			UPDATE segments
			SET status = 'enabled', enabled_at = $2, visit_count = 0, updated_at = now()
			WHERE id = $1
			RETURNING ` + segmentColumns
	}

	seg, err := scanSegment(tx.QueryRow(ctx, query, id, now))
	if err != nil {
		return nil, fmt.Errorf("failed to toggle segment %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if err := s.loadRules(ctx, []*segment.Segment{seg}); err != nil {
		return nil, err
	}
	return seg, nil
}

// IncrementVisitCounts bumps the visit counter of the given segments
// atomically in the database, so concurrent requests never lose increments.
func (s *PostgresSegmentStore) IncrementVisitCounts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE segments SET visit_count = visit_count + 1 WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to increment visit counts: %w", err)
	}
	return nil
}

// AddStaticMember records an identity in the static membership set.
// ON CONFLICT DO NOTHING makes admission idempotent under concurrency; the
// returned bool reports whether this call actually grew the set.
func (s *PostgresSegmentStore) AddStaticMember(ctx context.Context, segmentID int64, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO segment_static_users (segment_id, user_key)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, segmentID, key)
	if err != nil {
		return false, fmt.Errorf("failed to add static member: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddExcludedMember records an identity in the exclusion set. Idempotent.
func (s *PostgresSegmentStore) AddExcludedMember(ctx context.Context, segmentID int64, key string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO segment_excluded_users (segment_id, user_key)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, segmentID, key)
	if err != nil {
		return fmt.Errorf("failed to add excluded member: %w", err)
	}
	return nil
}

// IsStaticMember reports whether an identity is in the membership set.
func (s *PostgresSegmentStore) IsStaticMember(ctx context.Context, segmentID int64, key string) (bool, error) {
	return s.memberExists(ctx, `segment_static_users`, segmentID, key)
}

// IsExcludedMember reports whether an identity is in the exclusion set.
func (s *PostgresSegmentStore) IsExcludedMember(ctx context.Context, segmentID int64, key string) (bool, error) {
	return s.memberExists(ctx, `segment_excluded_users`, segmentID, key)
}

func (s *PostgresSegmentStore) memberExists(ctx context.Context, table string, segmentID int64, key string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM ` + table + ` WHERE segment_id = $1 AND user_key = $2)`
	if err := s.db.QueryRow(ctx, query, segmentID, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

// StaticMemberCount returns the current static membership size.
func (s *PostgresSegmentStore) StaticMemberCount(ctx context.Context, segmentID int64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM segment_static_users WHERE segment_id = $1`, segmentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count static members: %w", err)
	}
	return count, nil
}

// ListStaticMembers returns the member identities in insertion order.
func (s *PostgresSegmentStore) ListStaticMembers(ctx context.Context, segmentID int64) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_key FROM segment_static_users
		WHERE segment_id = $1
		ORDER BY added_at ASC, user_key ASC
	`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list static members: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return keys, nil
}

// SetMatchedUsersCount stores the population diagnostic.
func (s *PostgresSegmentStore) SetMatchedUsersCount(ctx context.Context, segmentID int64, count int, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE segments
		SET matched_users_count = $2, matched_count_updated_at = $3, updated_at = now()
		WHERE id = $1
	`, segmentID, count, at)
	if err != nil {
		return fmt.Errorf("failed to set matched users count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFrozen marks a static segment's membership set as computed.
func (s *PostgresSegmentStore) SetFrozen(ctx context.Context, segmentID int64, frozen bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE segments SET frozen = $2, updated_at = now() WHERE id = $1
	`, segmentID, frozen)
	if err != nil {
		return fmt.Errorf("failed to set frozen flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// insertRules writes the rule set preserving evaluation order.
func (s *PostgresSegmentStore) insertRules(ctx context.Context, tx pgx.Tx, segmentID int64, ruleSet []rules.Rule) error {
	for position, rule := range ruleSet {
		stored, err := rules.Encode(rule)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO segment_rules (segment_id, position, kind, params)
			VALUES ($1, $2, $3, $4)
		`, segmentID, position, stored.Kind, stored.Params)
		if err != nil {
			return fmt.Errorf("failed to insert %s rule: %w", stored.Kind, err)
		}
	}
	return nil
}

// loadRules fetches and decodes the rule sets for the given segments with a
// single query.
func (s *PostgresSegmentStore) loadRules(ctx context.Context, segments []*segment.Segment) error {
	if len(segments) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(segments))
	byID := make(map[int64]*segment.Segment, len(segments))
	for _, seg := range segments {
		ids = append(ids, seg.ID)
		byID[seg.ID] = seg
		seg.Rules = nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT segment_id, id, kind, params
		FROM segment_rules
		WHERE segment_id = ANY($1)
		ORDER BY segment_id ASC, position ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to load segment rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var segmentID int64
		var stored rules.Stored
		if err := rows.Scan(&segmentID, &stored.ID, &stored.Kind, &stored.Params); err != nil {
			return fmt.Errorf("failed to scan rule row: %w", err)
		}

		rule, err := s.registry.Decode(stored)
		if err != nil {
			return fmt.Errorf("segment %d: %w", segmentID, err)
		}
		byID[segmentID].Rules = append(byID[segmentID].Rules, rule)
	}
	return rows.Err()
}

// scanSegment maps one segments row onto the domain struct.
func scanSegment(row pgx.Row) (*segment.Segment, error) {
	var seg segment.Segment
	err := row.Scan(
		&seg.ID,
		&seg.Name,
		&seg.Status,
		&seg.Persistent,
		&seg.MatchAny,
		&seg.Type,
		&seg.Count,
		&seg.RandomisationPercent,
		&seg.VisitCount,
		&seg.Frozen,
		&seg.MatchedUsersCount,
		&seg.MatchedCountUpdatedAt,
		&seg.EnabledAt,
		&seg.DisabledAt,
		&seg.CreatedAt,
		&seg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &seg, nil
}
