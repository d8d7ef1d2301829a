package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time check to verify that PostgresPageStore implements PageRepository.
var _ PageRepository = (*PostgresPageStore)(nil)

// Page mirrors the 'pages' table. Path is the materialized tree path
// ("/blog/post-1/"), which makes descendant queries a prefix scan.
type Page struct {
	ID        int64
	Slug      string
	Path      string
	Title     string
	Body      string
	Live      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PageMetadata links a variant page to its canonical page and the segment the
// variant targets. A canonical page's own metadata row points at itself with
// a null segment.
type PageMetadata struct {
	ID              int64
	PageID          int64
	CanonicalPageID int64
	SegmentID       *int64
	CreatedAt       time.Time
}

// IsCanonical reports whether the row describes a canonical page rather than
// a variant.
func (m *PageMetadata) IsCanonical() bool {
	return m.PageID == m.CanonicalPageID
}

// PageRepository defines the interface for page and variant persistence.
type PageRepository interface {
	// CreatePage inserts a page and populates ID and timestamps.
	CreatePage(ctx context.Context, p *Page) error

	// GetPage loads one page by ID.
	GetPage(ctx context.Context, id int64) (*Page, error)

	// GetPageByPath loads one page by its tree path.
	GetPageByPath(ctx context.Context, path string) (*Page, error)

	// ListDescendants returns every page under the given page's path,
	// deepest first, excluding the page itself.
	ListDescendants(ctx context.Context, pageID int64) ([]*Page, error)

	// DeletePage removes a page. Returns ErrProtected when metadata of
	// other pages still references it.
	DeletePage(ctx context.Context, id int64) error

	// MetadataForPage returns the metadata row for the given page, or
	// ErrNotFound when the page carries none.
	MetadataForPage(ctx context.Context, pageID int64) (*PageMetadata, error)

	// VariantsForCanonical returns all variant metadata rows for a
	// canonical page keyed by segment ID.
	VariantsForCanonical(ctx context.Context, canonicalID int64) (map[int64]*PageMetadata, error)

	// CreateMetadata inserts a metadata row. Returns ErrDuplicateVariant
	// when the (canonical, segment) pair is already taken.
	CreateMetadata(ctx context.Context, m *PageMetadata) error

	// DeleteMetadata removes the metadata row for a page.
	DeleteMetadata(ctx context.Context, pageID int64) error

	// CountPersonalised returns how many canonical pages carry at least
	// one variant, and the total variant count. Dashboard summary data.
	CountPersonalised(ctx context.Context) (pages int64, variants int64, err error)
}

// PostgresPageStore is the implementation of PageRepository backed by
// PostgreSQL.
type PostgresPageStore struct {
	db *pgxpool.Pool
}

// NewPostgresPageStore creates a new repository instance with the given
// connection pool.
func NewPostgresPageStore(db *pgxpool.Pool) *PostgresPageStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresPageStore{db: db}
}

const pageColumns = `id, slug, path, title, body, live, created_at, updated_at`

// CreatePage inserts a page using RETURNING to populate generated fields.
func (s *PostgresPageStore) CreatePage(ctx context.Context, p *Page) error {
	query := `
		INSERT INTO pages (slug, path, title, body, live)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query, p.Slug, p.Path, p.Title, p.Body, p.Live).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("page with path %q already exists", p.Path)
		}
		return fmt.Errorf("failed to insert page: %w", err)
	}
	return nil
}

// GetPage loads one page by ID.
func (s *PostgresPageStore) GetPage(ctx context.Context, id int64) (*Page, error) {
	return s.one(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1`, id)
}

// GetPageByPath loads one page by its tree path.
func (s *PostgresPageStore) GetPageByPath(ctx context.Context, path string) (*Page, error) {
	return s.one(ctx, `SELECT `+pageColumns+` FROM pages WHERE path = $1`, path)
}

func (s *PostgresPageStore) one(ctx context.Context, query string, arg any) (*Page, error) {
	var p Page
	err := s.db.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.Slug, &p.Path, &p.Title, &p.Body, &p.Live, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load page: %w", err)
	}
	return &p, nil
}

// ListDescendants returns every page under the given page's path, deepest
// first. Deepest first lets cascade deletes remove children before parents.
func (s *PostgresPageStore) ListDescendants(ctx context.Context, pageID int64) ([]*Page, error) {
	parent, err := s.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	// Literal prefix match. A LIKE pattern would let _ and % in the parent
	// path act as wildcards and pull in unrelated subtrees.
	rows, err := s.db.Query(ctx, `
		SELECT `+pageColumns+`
		FROM pages
		WHERE left(path, length($1)) = $1 AND id != $2
		ORDER BY length(path) DESC, id DESC
	`, parent.Path, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list descendants of page %d: %w", pageID, err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(
			&p.ID, &p.Slug, &p.Path, &p.Title, &p.Body, &p.Live, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan page row: %w", err)
		}
		pages = append(pages, &p)
	}
	return pages, rows.Err()
}

// DeletePage removes a page. The metadata row of the page itself cascades;
// metadata of other pages pointing at it (a canonical with live variants)
// blocks the delete.
func (s *PostgresPageStore) DeletePage(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM pages WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		// Error Code 23503: foreign_key_violation
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrProtected
		}
		return fmt.Errorf("failed to delete page %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const metadataColumns = `id, page_id, canonical_page_id, segment_id, created_at`

// MetadataForPage returns the metadata row for the given page.
func (s *PostgresPageStore) MetadataForPage(ctx context.Context, pageID int64) (*PageMetadata, error) {
	var m PageMetadata
	err := s.db.QueryRow(ctx,
		`SELECT `+metadataColumns+` FROM page_metadata WHERE page_id = $1`, pageID).
		Scan(&m.ID, &m.PageID, &m.CanonicalPageID, &m.SegmentID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load metadata for page %d: %w", pageID, err)
	}
	return &m, nil
}

// VariantsForCanonical returns all variant metadata for a canonical page
// keyed by segment ID. The canonical's own metadata row (null segment) is
// excluded.
func (s *PostgresPageStore) VariantsForCanonical(ctx context.Context, canonicalID int64) (map[int64]*PageMetadata, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+metadataColumns+`
		FROM page_metadata
		WHERE canonical_page_id = $1 AND segment_id IS NOT NULL
	`, canonicalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants for page %d: %w", canonicalID, err)
	}
	defer rows.Close()

	variants := make(map[int64]*PageMetadata)
	for rows.Next() {
		var m PageMetadata
		if err := rows.Scan(&m.ID, &m.PageID, &m.CanonicalPageID, &m.SegmentID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		variants[*m.SegmentID] = &m
	}
	return variants, rows.Err()
}

// CreateMetadata inserts a metadata row.
func (s *PostgresPageStore) CreateMetadata(ctx context.Context, m *PageMetadata) error {
	query := `
		INSERT INTO page_metadata (page_id, canonical_page_id, segment_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query, m.PageID, m.CanonicalPageID, m.SegmentID).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateVariant
		}
		return fmt.Errorf("failed to insert page metadata: %w", err)
	}
	return nil
}

// DeleteMetadata removes the metadata row for a page.
func (s *PostgresPageStore) DeleteMetadata(ctx context.Context, pageID int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM page_metadata WHERE page_id = $1`, pageID)
	if err != nil {
		return fmt.Errorf("failed to delete metadata for page %d: %w", pageID, err)
	}
	return nil
}

// CountPersonalised returns the dashboard summary counts.
func (s *PostgresPageStore) CountPersonalised(ctx context.Context) (int64, int64, error) {
	var pages, variants int64
	err := s.db.QueryRow(ctx, `
		SELECT count(DISTINCT canonical_page_id), count(*)
		FROM page_metadata
		WHERE segment_id IS NOT NULL
	`).Scan(&pages, &variants)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count personalised pages: %w", err)
	}
	return pages, variants, nil
}
