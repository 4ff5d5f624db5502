package skills

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/internal/db/dialect"
)

// Store reads and writes skill and custom-integration rows.
type Store interface {
	// ListSkills returns skills by name, or every skill when names is
	// empty. Unknown names are skipped silently.
	ListSkills(ctx context.Context, names []string) ([]*Skill, error)
	// UpsertSkill creates or replaces a skill (draft import path).
	UpsertSkill(ctx context.Context, skill *Skill) error
	// ListCustomIntegrations returns integrations by name, or all when
	// names is empty.
	ListCustomIntegrations(ctx context.Context, names []string) ([]*CustomIntegration, error)
	UpsertCustomIntegration(ctx context.Context, ci *CustomIntegration) error
}

// SQLStore persists skills in the shared database.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the skill tables on the shared writer connection.
func NewSQLStore(writer *sqlx.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: writer, driver: driver}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize skills schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ts := dialect.TimestampType(s.driver)
	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS skills (
				name TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				instructions TEXT NOT NULL,
				updated_at %s NOT NULL
			)`, ts),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS custom_integrations (
				name TEXT PRIMARY KEY,
				title TEXT NOT NULL DEFAULT '',
				script TEXT NOT NULL,
				env %s,
				credentials_updated_at %s NOT NULL,
				updated_at %s NOT NULL
			)`, dialect.JSONType(s.driver), ts, ts),
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ListSkills(ctx context.Context, names []string) ([]*Skill, error) {
	query := `SELECT name, title, description, instructions, updated_at FROM skills`
	args := []interface{}{}
	if len(names) > 0 {
		in, inArgs, err := sqlx.In(query+` WHERE name IN (?)`, names)
		if err != nil {
			return nil, err
		}
		query, args = in, inArgs
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Skill
	for rows.Next() {
		var skill Skill
		if err := rows.Scan(&skill.Name, &skill.Title, &skill.Description, &skill.Instructions, &skill.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &skill)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertSkill(ctx context.Context, skill *Skill) error {
	if skill.UpdatedAt.IsZero() {
		skill.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO skills (name, title, description, instructions, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			instructions = excluded.instructions,
			updated_at = excluded.updated_at
	`), skill.Name, skill.Title, skill.Description, skill.Instructions, skill.UpdatedAt)
	return err
}

func (s *SQLStore) ListCustomIntegrations(ctx context.Context, names []string) ([]*CustomIntegration, error) {
	query := `SELECT name, title, script, env, credentials_updated_at, updated_at FROM custom_integrations`
	args := []interface{}{}
	if len(names) > 0 {
		in, inArgs, err := sqlx.In(query+` WHERE name IN (?)`, names)
		if err != nil {
			return nil, err
		}
		query, args = in, inArgs
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*CustomIntegration
	for rows.Next() {
		ci, err := scanCustomIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

func scanCustomIntegration(rows *sql.Rows) (*CustomIntegration, error) {
	var ci CustomIntegration
	var envJSON sql.NullString
	if err := rows.Scan(&ci.Name, &ci.Title, &ci.Script, &envJSON, &ci.CredentialsUpdatedAt, &ci.UpdatedAt); err != nil {
		return nil, err
	}
	if envJSON.Valid && envJSON.String != "" {
		if err := json.Unmarshal([]byte(envJSON.String), &ci.Env); err != nil {
			return nil, fmt.Errorf("parse integration env: %w", err)
		}
	}
	return &ci, nil
}

func (s *SQLStore) UpsertCustomIntegration(ctx context.Context, ci *CustomIntegration) error {
	now := time.Now().UTC()
	if ci.UpdatedAt.IsZero() {
		ci.UpdatedAt = now
	}
	if ci.CredentialsUpdatedAt.IsZero() {
		ci.CredentialsUpdatedAt = now
	}
	var envJSON interface{}
	if len(ci.Env) > 0 {
		data, err := json.Marshal(ci.Env)
		if err != nil {
			return fmt.Errorf("marshal integration env: %w", err)
		}
		envJSON = string(data)
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO custom_integrations (name, title, script, env, credentials_updated_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			title = excluded.title,
			script = excluded.script,
			env = excluded.env,
			credentials_updated_at = excluded.credentials_updated_at,
			updated_at = excluded.updated_at
	`), ci.Name, ci.Title, ci.Script, envJSON, ci.CredentialsUpdatedAt, ci.UpdatedAt)
	return err
}

// ErrNotFound is returned when a named skill does not exist.
var ErrNotFound = errors.New("skill not found")
