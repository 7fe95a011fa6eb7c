package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	preferencesTableName  = "dashsync_preferences"
	defaultProfile        = "default"
	sqlOperationTimeout   = 5 * time.Second
	profileQueryParameter = "profile"
	postgresDriverName    = "postgres"
	sqliteDriverName      = "sqlite3"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// SQLPreferences stores preferences as rows keyed by (profile, key) in a
// postgres or sqlite database. The table is created on first use.
type SQLPreferences struct {
	driver    string
	dsn       string
	tableName string
	profile   string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresPreferences accepts a lib/pq connection URL. An optional
// profile query parameter separates several local users sharing a database.
func NewPostgresPreferences(dsn string) (*SQLPreferences, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	connDSN, profile, err := splitProfile(dsn)
	if err != nil {
		return nil, err
	}
	return &SQLPreferences{
		driver:    postgresDriverName,
		dsn:       connDSN,
		tableName: preferencesTableName,
		profile:   profile,
		openDB:    sql.Open,
	}, nil
}

// NewSQLitePreferences accepts sqlite:///path/to/prefs.db. Query parameters
// other than profile are handed to the driver.
func NewSQLitePreferences(dsn string) (*SQLPreferences, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	path, err := dsnPath(parsed, dsn)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	profile := strings.TrimSpace(query.Get(profileQueryParameter))
	if profile == "" {
		profile = defaultProfile
	}
	query.Del(profileQueryParameter)
	connDSN := path
	if encoded := query.Encode(); encoded != "" {
		connDSN = "file:" + path + "?" + encoded
	}
	return &SQLPreferences{
		driver:    sqliteDriverName,
		dsn:       connDSN,
		tableName: preferencesTableName,
		profile:   profile,
		openDB:    sql.Open,
	}, nil
}

func splitProfile(dsn string) (string, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", err
	}
	query := parsed.Query()
	profile := strings.TrimSpace(query.Get(profileQueryParameter))
	if profile == "" {
		profile = defaultProfile
	}
	query.Del(profileQueryParameter)
	parsed.RawQuery = query.Encode()
	return parsed.String(), profile, nil
}

func (p *SQLPreferences) Profile() string {
	return p.profile
}

func (p *SQLPreferences) Get(key string) (string, bool, error) {
	if err := p.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE profile = %s AND pref_key = %s",
		quoteIdentifier(p.tableName), p.placeholder(1), p.placeholder(2))
	var value string
	err := p.db.QueryRowContext(ctx, query, p.profile, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *SQLPreferences) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (profile, pref_key, value, updated_at)
		VALUES (%s, %s, %s, CURRENT_TIMESTAMP)
		ON CONFLICT (profile, pref_key)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		quoteIdentifier(p.tableName), p.placeholder(1), p.placeholder(2), p.placeholder(3))
	_, err := p.db.ExecContext(ctx, query, p.profile, key, value)
	return err
}

func (p *SQLPreferences) Delete(key string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE profile = %s AND pref_key = %s",
		quoteIdentifier(p.tableName), p.placeholder(1), p.placeholder(2))
	_, err := p.db.ExecContext(ctx, query, p.profile, key)
	return err
}

func (p *SQLPreferences) Clear() error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE profile = %s", quoteIdentifier(p.tableName), p.placeholder(1))
	_, err := p.db.ExecContext(ctx, query, p.profile)
	return err
}

func (p *SQLPreferences) Keys() ([]string, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT pref_key FROM %s WHERE profile = %s ORDER BY pref_key",
		quoteIdentifier(p.tableName), p.placeholder(1))
	rows, err := p.db.QueryContext(ctx, query, p.profile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *SQLPreferences) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *SQLPreferences) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB(p.driver, p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		if p.driver == sqliteDriverName {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				profile TEXT NOT NULL,
				pref_key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (profile, pref_key)
			)`, quoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *SQLPreferences) placeholder(n int) string {
	if p.driver == postgresDriverName {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
