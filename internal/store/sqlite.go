package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pinchtab/postbridge/internal/types"
)

// SQLite implements Store on a single database file.
type SQLite struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLite creates parent directories, opens the database and applies the
// schema.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initialize() error {
	schema := []string{`
	CREATE TABLE IF NOT EXISTS proxies (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT ''
	);`, `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		password TEXT NOT NULL DEFAULT '',
		proxy_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		posting_method TEXT NOT NULL DEFAULT 'browser',
		session_status TEXT NOT NULL DEFAULT 'needs_login',
		updated_at TEXT NOT NULL
	);`, `
	CREATE TABLE IF NOT EXISTS browser_sessions (
		account_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		saved_at TEXT NOT NULL
	);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) LoadSession(ctx context.Context, accountID string) (*Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM browser_sessions WHERE account_id = ?`, accountID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", accountID, err)
	}
	return &snap, nil
}

func (s *SQLite) SaveSession(ctx context.Context, accountID string, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO browser_sessions (account_id, data, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		accountID, string(data), formatTime(snap.SavedAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM browser_sessions WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

const accountColumns = `id, username, password, proxy_id, device_id, posting_method, session_status, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*types.Account, error) {
	var a types.Account
	var method, status, updated string
	if err := r.Scan(&a.ID, &a.Username, &a.Password, &a.ProxyID, &a.DeviceID, &method, &status, &updated); err != nil {
		return nil, err
	}
	a.PostingMethod = types.PostingMethod(method)
	a.SessionStatus = types.SessionStatus(status)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func (s *SQLite) Account(ctx context.Context, id string) (*types.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return a, nil
}

func (s *SQLite) ListAccounts(ctx context.Context) ([]types.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLite) Proxy(ctx context.Context, id string) (*types.Proxy, error) {
	var p types.Proxy
	err := s.db.QueryRowContext(ctx,
		`SELECT id, host, port, username, password, external_id FROM proxies WHERE id = ?`, id).
		Scan(&p.ID, &p.Host, &p.Port, &p.Username, &p.Password, &p.ExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proxy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load proxy: %w", err)
	}
	return &p, nil
}

func (s *SQLite) SetSessionStatus(ctx context.Context, accountID string, status types.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET session_status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), accountID)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) PutAccount(ctx context.Context, a types.Account) error {
	if a.ID == "" {
		return fmt.Errorf("account id required")
	}
	a = normalizeAccount(a)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			password = excluded.password,
			proxy_id = excluded.proxy_id,
			device_id = excluded.device_id,
			posting_method = excluded.posting_method,
			session_status = excluded.session_status,
			updated_at = excluded.updated_at`,
		a.ID, a.Username, a.Password, a.ProxyID, a.DeviceID,
		string(a.PostingMethod), string(a.SessionStatus), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put account: %w", err)
	}
	return nil
}

func (s *SQLite) PutProxy(ctx context.Context, p types.Proxy) error {
	if p.ID == "" {
		return fmt.Errorf("proxy id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxies (id, host, port, username, password, external_id) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			username = excluded.username,
			password = excluded.password,
			external_id = excluded.external_id`,
		p.ID, p.Host, p.Port, p.Username, p.Password, p.ExternalID)
	if err != nil {
		return fmt.Errorf("put proxy: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Store = (*SQLite)(nil)
