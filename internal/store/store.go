// Package store provides the local persistent storage for linkden.
//
// The store is an embedded SQLite database opened in WAL mode. It holds
// two kinds of state:
//
//   - Guest data: folders and links owned by a user without a backend
//     session. In guest mode this is the single source of truth.
//   - Key-value state: the logout marker, the active-mode flag, and any
//     other small flags the core needs to survive a process restart.
//
// From the core's point of view the store is synchronous; callers on the
// event loop treat every method as fast local I/O.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/linkden/linkden/internal/model"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection with linkden-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done and InitSchema() before first
// use.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	// WAL mode for concurrent readers during writes
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the store schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the store schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS folders (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		name TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		is_platform_folder INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS links (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		thumbnail TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL,
		folder_id TEXT,
		is_favorite INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_folders_parent ON folders(parent_id);
	CREATE INDEX IF NOT EXISTS idx_links_folder ON links(folder_id);
	CREATE INDEX IF NOT EXISTS idx_links_favorite ON links(is_favorite);
	CREATE INDEX IF NOT EXISTS idx_links_deleted ON links(deleted_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// UpsertFolder inserts or updates a folder.
func (s *Store) UpsertFolder(ctx context.Context, f *model.Folder) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid folder: %w", err)
	}

	query := `
	INSERT INTO folders (id, parent_id, name, color, icon, is_platform_folder, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		parent_id = excluded.parent_id,
		name = excluded.name,
		color = excluded.color,
		icon = excluded.icon,
		is_platform_folder = excluded.is_platform_folder,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		f.ID,
		nullString(f.ParentID),
		f.Name,
		f.Color,
		f.Icon,
		boolToInt(f.IsPlatformFolder),
		f.CreatedAt.Format(time.RFC3339),
		f.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert folder %s: %w", f.ID, err)
	}
	return nil
}

// DeleteFolder removes a folder. Links in the folder are unfiled, not
// deleted. Returns nil if the folder doesn't exist (idempotent).
func (s *Store) DeleteFolder(ctx context.Context, folderID string) error {
	if _, err := s.conn.ExecContext(ctx,
		`UPDATE links SET folder_id = NULL WHERE folder_id = ?`, folderID); err != nil {
		return fmt.Errorf("failed to unfile links of folder %s: %w", folderID, err)
	}
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM folders WHERE id = ?`, folderID); err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", folderID, err)
	}
	return nil
}

// GetFolder returns a single folder by id.
func (s *Store) GetFolder(ctx context.Context, folderID string) (model.Folder, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, parent_id, name, color, icon, is_platform_folder, created_at, updated_at
	FROM folders WHERE id = ?`, folderID)

	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Folder{}, ErrNotFound
	}
	return f, err
}

// ListFolders returns all folders ordered by creation time.
func (s *Store) ListFolders(ctx context.Context) ([]model.Folder, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, parent_id, name, color, icon, is_platform_folder, created_at, updated_at
	FROM folders ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// UpsertLink inserts or updates a link.
func (s *Store) UpsertLink(ctx context.Context, l *model.Link) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("invalid link: %w", err)
	}

	query := `
	INSERT INTO links (id, url, title, description, thumbnail, platform,
		folder_id, is_favorite, deleted_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		url = excluded.url,
		title = excluded.title,
		description = excluded.description,
		thumbnail = excluded.thumbnail,
		platform = excluded.platform,
		folder_id = excluded.folder_id,
		is_favorite = excluded.is_favorite,
		deleted_at = excluded.deleted_at,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		l.ID,
		l.URL,
		l.Title,
		l.Description,
		l.Thumbnail,
		string(l.Platform),
		nullString(l.FolderID),
		boolToInt(l.IsFavorite),
		timeToNullString(l.DeletedAt),
		l.CreatedAt.Format(time.RFC3339),
		l.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert link %s: %w", l.ID, err)
	}
	return nil
}

// DeleteLink soft-deletes a link by stamping deleted_at.
// Returns nil if the link doesn't exist (idempotent).
func (s *Store) DeleteLink(ctx context.Context, linkID string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE links SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		at.Format(time.RFC3339), at.Format(time.RFC3339), linkID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete link %s: %w", linkID, err)
	}
	return nil
}

// RestoreLink clears the deleted_at stamp, moving a link out of trash.
func (s *Store) RestoreLink(ctx context.Context, linkID string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE links SET deleted_at = NULL, updated_at = ? WHERE id = ?`,
		at.Format(time.RFC3339), linkID)
	if err != nil {
		return fmt.Errorf("failed to restore link %s: %w", linkID, err)
	}
	return nil
}

// PurgeLink permanently removes a link row. Only explicit mutations
// reach this; the core never purges on its own.
func (s *Store) PurgeLink(ctx context.Context, linkID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM links WHERE id = ?`, linkID); err != nil {
		return fmt.Errorf("failed to purge link %s: %w", linkID, err)
	}
	return nil
}

// GetLink returns a single link by id, including trashed links.
func (s *Store) GetLink(ctx context.Context, linkID string) (model.Link, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT id, url, title, description, thumbnail, platform, folder_id,
		is_favorite, deleted_at, created_at, updated_at
	FROM links WHERE id = ?`, linkID)

	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Link{}, ErrNotFound
	}
	return l, err
}

// ListLinks returns links ordered by creation time. Trashed links are
// excluded unless includeDeleted is set.
func (s *Store) ListLinks(ctx context.Context, includeDeleted bool) ([]model.Link, error) {
	query := `
	SELECT id, url, title, description, thumbnail, platform, folder_id,
		is_favorite, deleted_at, created_at, updated_at
	FROM links`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []model.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// PutKV stores a small key-value flag.
func (s *Store) PutKV(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to put kv %s: %w", key, err)
	}
	return nil
}

// GetKV returns a stored flag, or ErrNotFound.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get kv %s: %w", key, err)
	}
	return value, nil
}

// DeleteKV removes a stored flag. Idempotent.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete kv %s: %w", key, err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFolder(sc scanner) (model.Folder, error) {
	var (
		f                    model.Folder
		parentID             sql.NullString
		isPlatform           int
		createdAt, updatedAt string
	)
	if err := sc.Scan(&f.ID, &parentID, &f.Name, &f.Color, &f.Icon,
		&isPlatform, &createdAt, &updatedAt); err != nil {
		return model.Folder{}, err
	}
	if parentID.Valid {
		f.ParentID = &parentID.String
	}
	f.IsPlatformFolder = isPlatform != 0
	f.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	f.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return f, nil
}

func scanLink(sc scanner) (model.Link, error) {
	var (
		l                    model.Link
		folderID             sql.NullString
		deletedAt            sql.NullString
		platform             string
		favorite             int
		createdAt, updatedAt string
	)
	if err := sc.Scan(&l.ID, &l.URL, &l.Title, &l.Description, &l.Thumbnail,
		&platform, &folderID, &favorite, &deletedAt, &createdAt, &updatedAt); err != nil {
		return model.Link{}, err
	}
	l.Platform = model.Platform(platform)
	if folderID.Valid {
		l.FolderID = &folderID.String
	}
	l.IsFavorite = favorite != 0
	if deletedAt.Valid {
		if ts, err := time.Parse(time.RFC3339, deletedAt.String); err == nil {
			l.DeletedAt = &ts
		}
	}
	l.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	l.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return l, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timeToNullString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
