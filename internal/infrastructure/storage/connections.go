package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"ArticleRelay/internal/domain"
)

var connectionColumns = []string{
	"id", "platform", "account_id", "handle", "active", "credential_id", "connected_at", "last_used_at",
}

func scanConnection(row scanner) (domain.Connection, error) {
	var (
		c        domain.Connection
		platform string
		lastUsed *time.Time
	)
	err := row.Scan(&c.ID, &platform, &c.AccountID, &c.Handle, &c.Active, &c.CredentialID, &c.ConnectedAt, &lastUsed)
	c.Platform = domain.Platform(platform)
	c.LastUsedAt = fromNullTime(lastUsed)
	return c, err
}

// ActiveConnection returns domain.ErrNotConnected when the platform has no
// active account.
func (r *PostgresRepository) ActiveConnection(ctx context.Context, platform domain.Platform) (domain.Connection, error) {
	row, err := r.queryRow(ctx, psql.Select(connectionColumns...).From("platform_connections").
		Where(sq.Eq{"platform": string(platform), "active": true}))
	if err != nil {
		return domain.Connection{}, err
	}
	conn, err := scanConnection(row)
	if isNoRows(err) {
		return domain.Connection{}, fmt.Errorf("%w: %s", domain.ErrNotConnected, platform)
	}
	if err != nil {
		return domain.Connection{}, fmt.Errorf("select connection: %w", err)
	}
	return conn, nil
}

func (r *PostgresRepository) ActiveConnections(ctx context.Context) ([]domain.Connection, error) {
	q := psql.Select(connectionColumns...).From("platform_connections").
		Where(sq.Eq{"active": true}).OrderBy("platform")
	conns, err := collect(ctx, r.db, q, scanConnection)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return conns, nil
}

// UpsertConnection stores the credential, deactivates the previous account
// of the platform and activates the new one in a single transaction.
func (r *PostgresRepository) UpsertConnection(ctx context.Context, conn domain.Connection, cred domain.Credential) (domain.Connection, error) {
	now := r.now().UTC()
	cred.ID = uuid.NewString()
	conn.ID = uuid.NewString()
	conn.CredentialID = cred.ID
	conn.Active = true
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("begin tx: %w", err)
	}

	steps := []struct {
		name string
		q    sq.Sqlizer
	}{
		{"insert credential", psql.Insert("credentials").
			Columns("id", "kind", "subject", "access_token", "refresh_token", "secret", "token_type", "scope", "expires_at", "updated_at").
			Values(cred.ID, string(cred.Kind), cred.Subject, cred.AccessToken, cred.RefreshToken, cred.Secret, cred.TokenType, cred.Scope, nullTime(cred.ExpiresAt), now)},
		{"deactivate previous", psql.Update("platform_connections").
			Set("active", false).
			Where(sq.Eq{"platform": string(conn.Platform), "active": true})},
		{"insert connection", psql.Insert("platform_connections").
			Columns("id", "platform", "account_id", "handle", "active", "credential_id", "connected_at").
			Values(conn.ID, string(conn.Platform), conn.AccountID, conn.Handle, true, cred.ID, conn.ConnectedAt)},
	}
	for _, step := range steps {
		if err := txExec(ctx, tx, step.q); err != nil {
			_ = tx.Rollback(ctx)
			return domain.Connection{}, fmt.Errorf("%s: %w", step.name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Connection{}, fmt.Errorf("commit connection: %w", err)
	}
	return conn, nil
}

func (r *PostgresRepository) DeactivatePlatform(ctx context.Context, platform domain.Platform) error {
	q := psql.Update("platform_connections").Set("active", false).
		Where(sq.Eq{"platform": string(platform), "active": true})
	if _, err := r.exec(ctx, q); err != nil {
		return fmt.Errorf("deactivate platform: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeactivateConnection(ctx context.Context, id string) error {
	q := psql.Update("platform_connections").Set("active", false).Where(sq.Eq{"id": id})
	if _, err := r.exec(ctx, q); err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	return nil
}

func (r *PostgresRepository) TouchConnection(ctx context.Context, id string, at time.Time) error {
	q := psql.Update("platform_connections").Set("last_used_at", at.UTC()).Where(sq.Eq{"id": id})
	if _, err := r.exec(ctx, q); err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Credential(ctx context.Context, id string) (domain.Credential, error) {
	row, err := r.queryRow(ctx, psql.Select(
		"id", "kind", "subject", "access_token", "refresh_token", "secret", "token_type", "scope", "expires_at", "updated_at",
	).From("credentials").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Credential{}, err
	}

	var (
		c       domain.Credential
		kind    string
		expires *time.Time
	)
	err = row.Scan(&c.ID, &kind, &c.Subject, &c.AccessToken, &c.RefreshToken, &c.Secret, &c.TokenType, &c.Scope, &expires, &c.UpdatedAt)
	if isNoRows(err) {
		return domain.Credential{}, fmt.Errorf("credential %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Credential{}, fmt.Errorf("select credential: %w", err)
	}
	c.Kind = domain.CredentialKind(kind)
	c.ExpiresAt = fromNullTime(expires)
	return c, nil
}

// SaveCredential overwrites the secret material of an existing credential.
func (r *PostgresRepository) SaveCredential(ctx context.Context, cred domain.Credential) error {
	q := psql.Update("credentials").SetMap(map[string]any{
		"access_token":  cred.AccessToken,
		"refresh_token": cred.RefreshToken,
		"secret":        cred.Secret,
		"token_type":    cred.TokenType,
		"scope":         cred.Scope,
		"expires_at":    nullTime(cred.ExpiresAt),
		"updated_at":    r.now().UTC(),
	}).Where(sq.Eq{"id": cred.ID})

	tag, err := r.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %s: %w", cred.ID, domain.ErrNotFound)
	}
	return nil
}
