package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// pgStore is a Postgres-backed Store using sqlx/lib/pq, in the spirit of
// dexidp/dex's storage/sql package: one *sqlx.DB, one struct per table row,
// update-by-closure done as select-for-update + upsert within a
// transaction.
type pgStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenPostgres connects to dsn and returns a Store. Callers are expected to
// have already applied the accompanying migrations (out of scope here, per
// spec §1 "persistent database schema" is an external collaborator).
func OpenPostgres(dsn string, logger *slog.Logger) (Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &pgStore{db: db, logger: logger}, nil
}

func (p *pgStore) Close() error { return p.db.Close() }

type clientRow struct {
	ID               string         `db:"id"`
	Confidential     bool           `db:"confidential"`
	SecretHash       []byte         `db:"secret_hash"`
	GrantTypes       string         `db:"grant_types"`
	RedirectURIs     string         `db:"redirect_uris"`
	PostLogoutURIs   string         `db:"post_logout_uris"`
	AllowedOrigins   string         `db:"allowed_origins"`
	PKCEMethods      string         `db:"pkce_methods"`
	AccessTokenAlg   string         `db:"access_token_alg"`
	IDTokenAlg       string         `db:"id_token_alg"`
	DefaultScopes       string `db:"default_scopes"`
	AuthCodeLifetime    int64  `db:"auth_code_lifetime_seconds"`
	AccessTokenLifetime int64  `db:"access_token_lifetime_seconds"`
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (p *pgStore) GetClient(ctx context.Context, id string) (Client, error) {
	var row clientRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM clients WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Client{}, ErrNotFound
	}
	if err != nil {
		return Client{}, fmt.Errorf("get client: %w", err)
	}

	grants := splitCSV(row.GrantTypes)
	grantTypes := make([]GrantType, len(grants))
	for i, g := range grants {
		grantTypes[i] = GrantType(g)
	}
	methods := splitCSV(row.PKCEMethods)
	pkceMethods := make([]PKCEMethod, len(methods))
	for i, m := range methods {
		pkceMethods[i] = PKCEMethod(m)
	}

	return Client{
		ID:               row.ID,
		Confidential:     row.Confidential,
		SecretHash:       row.SecretHash,
		GrantTypes:       grantTypes,
		RedirectURIs:     splitCSV(row.RedirectURIs),
		PostLogoutURIs:   splitCSV(row.PostLogoutURIs),
		AllowedOrigins:   splitCSV(row.AllowedOrigins),
		PKCEMethods:      pkceMethods,
		AccessTokenAlg:   SigAlg(row.AccessTokenAlg),
		IDTokenAlg:       SigAlg(row.IDTokenAlg),
		DefaultScopes:       splitCSV(row.DefaultScopes),
		AuthCodeLifetime:    time.Duration(row.AuthCodeLifetime) * time.Second,
		AccessTokenLifetime: time.Duration(row.AccessTokenLifetime) * time.Second,
	}, nil
}

type userRow struct {
	ID               string         `db:"id"`
	Email            string         `db:"email"`
	PasswordHash     []byte         `db:"password_hash"`
	AccountType      string         `db:"account_type"`
	Enabled          bool           `db:"enabled"`
	Expiry           sql.NullTime   `db:"expiry"`
	LastLogin        sql.NullTime   `db:"last_login"`
	LastFailedLogin  sql.NullTime   `db:"last_failed_login"`
	FailedAttempts   int            `db:"failed_attempts"`
	Roles            string         `db:"roles"`
	Groups           string         `db:"groups_"`
	CustomAttributes []byte         `db:"custom_attributes"`
	WebauthnEnabled  bool           `db:"webauthn_enabled"`
}

func userFromRow(row userRow) (User, error) {
	u := User{
		ID:              row.ID,
		Email:           row.Email,
		PasswordHash:    row.PasswordHash,
		AccountType:     AccountType(row.AccountType),
		Enabled:         row.Enabled,
		FailedAttempts:  row.FailedAttempts,
		Roles:           splitCSV(row.Roles),
		Groups:          splitCSV(row.Groups),
		WebauthnEnabled: row.WebauthnEnabled,
	}
	if row.Expiry.Valid {
		u.Expiry = &row.Expiry.Time
	}
	if row.LastLogin.Valid {
		u.LastLogin = &row.LastLogin.Time
	}
	if row.LastFailedLogin.Valid {
		u.LastFailedLogin = &row.LastFailedLogin.Time
	}
	if len(row.CustomAttributes) > 0 {
		if err := json.Unmarshal(row.CustomAttributes, &u.CustomAttributes); err != nil {
			return User{}, fmt.Errorf("decode custom attributes: %w", err)
		}
	}
	return u, nil
}

func (p *pgStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var row userRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM users WHERE email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return userFromRow(row)
}

func (p *pgStore) GetUserByID(ctx context.Context, id string) (User, error) {
	var row userRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by id: %w", err)
	}
	return userFromRow(row)
}

// UpdateUser performs a transactional read-modify-write, the way dex's
// sql.UpdateClient does with SELECT ... FOR UPDATE followed by an UPDATE
// inside the same transaction.
func (p *pgStore) UpdateUser(ctx context.Context, id string, updater func(User) (User, error)) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row userRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM users WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select user for update: %w", err)
	}
	u, err := userFromRow(row)
	if err != nil {
		return err
	}
	nu, err := updater(u)
	if err != nil {
		return err
	}

	attrs, err := json.Marshal(nu.CustomAttributes)
	if err != nil {
		return fmt.Errorf("encode custom attributes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE users SET password_hash=$1, account_type=$2, enabled=$3, expiry=$4,
			last_login=$5, last_failed_login=$6, failed_attempts=$7, roles=$8,
			groups_=$9, custom_attributes=$10, webauthn_enabled=$11
		WHERE id=$12`,
		nu.PasswordHash, string(nu.AccountType), nu.Enabled, nu.Expiry,
		nu.LastLogin, nu.LastFailedLogin, nu.FailedAttempts, strings.Join(nu.Roles, ","),
		strings.Join(nu.Groups, ","), attrs, nu.WebauthnEnabled, id)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return tx.Commit()
}

// Sessions, auth codes, and refresh tokens are cache-resident in normal
// operation (internal/store layers internal/cache over this Store); the
// SQL methods below are the database-of-record fallback used on cache miss
// and for durability, per spec §5/§9 cache/DB duality.

func (p *pgStore) CreateSession(ctx context.Context, s Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, csrf, state, is_mfa, user_id, roles, groups_, last_seen, expiry)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.CSRF, string(s.State), s.IsMFA, s.UserID,
		strings.Join(s.Roles, ","), strings.Join(s.Groups, ","), s.LastSeen, s.Expiry)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

type sessionRow struct {
	ID       string    `db:"id"`
	CSRF     string    `db:"csrf"`
	State    string    `db:"state"`
	IsMFA    bool      `db:"is_mfa"`
	UserID   string    `db:"user_id"`
	Roles    string    `db:"roles"`
	Groups   string    `db:"groups_"`
	LastSeen time.Time `db:"last_seen"`
	Expiry   time.Time `db:"expiry"`
}

func sessionFromRow(r sessionRow) Session {
	return Session{
		ID: r.ID, CSRF: r.CSRF, State: SessionState(r.State), IsMFA: r.IsMFA,
		UserID: r.UserID, Roles: splitCSV(r.Roles), Groups: splitCSV(r.Groups),
		LastSeen: r.LastSeen, Expiry: r.Expiry,
	}
}

func (p *pgStore) GetSession(ctx context.Context, id string) (Session, error) {
	var row sessionRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sessionFromRow(row), nil
}

func (p *pgStore) UpdateSession(ctx context.Context, id string, updater func(Session) (Session, error)) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row sessionRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select session for update: %w", err)
	}
	ns, err := updater(sessionFromRow(row))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET state=$1, is_mfa=$2, user_id=$3, roles=$4, groups_=$5,
			last_seen=$6, expiry=$7 WHERE id=$8`,
		string(ns.State), ns.IsMFA, ns.UserID, strings.Join(ns.Roles, ","),
		strings.Join(ns.Groups, ","), ns.LastSeen, ns.Expiry, id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit()
}

func (p *pgStore) CreateAuthCode(ctx context.Context, c AuthCode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_codes (id, user_id, client_id, session_id, pkce_challenge,
			pkce_method, nonce, scopes, expiry)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.UserID, c.ClientID, c.SessionID, c.PKCEChallenge,
		string(c.PKCEMethod), c.Nonce, strings.Join(c.Scopes, ","), c.Expiry)
	if err != nil {
		return fmt.Errorf("create auth code: %w", err)
	}
	return nil
}

func (p *pgStore) GetAuthCode(ctx context.Context, id string) (AuthCode, error) {
	var row struct {
		ID            string    `db:"id"`
		UserID        string    `db:"user_id"`
		ClientID      string    `db:"client_id"`
		SessionID     string    `db:"session_id"`
		PKCEChallenge string    `db:"pkce_challenge"`
		PKCEMethod    string    `db:"pkce_method"`
		Nonce         string    `db:"nonce"`
		Scopes        string    `db:"scopes"`
		Expiry        time.Time `db:"expiry"`
	}
	err := p.db.GetContext(ctx, &row, `SELECT * FROM auth_codes WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthCode{}, ErrNotFound
	}
	if err != nil {
		return AuthCode{}, fmt.Errorf("get auth code: %w", err)
	}
	return AuthCode{
		ID: row.ID, UserID: row.UserID, ClientID: row.ClientID, SessionID: row.SessionID,
		PKCEChallenge: row.PKCEChallenge, PKCEMethod: PKCEMethod(row.PKCEMethod),
		Nonce: row.Nonce, Scopes: splitCSV(row.Scopes), Expiry: row.Expiry,
	}, nil
}

// DeleteAuthCode is the database-of-record half of single-use consumption
// (internal/store deletes from cache first). A second, racing delete
// returns ErrNotFound, which callers must read as "already redeemed" per
// spec §5.
func (p *pgStore) DeleteAuthCode(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM auth_codes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete auth code: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgStore) CreateRefreshToken(ctx context.Context, rt RefreshToken) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (handle, user_id, not_before, expiry, scopes, is_mfa)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rt.Handle, rt.UserID, rt.NotBefore, rt.Expiry, strings.Join(rt.Scopes, ","), rt.IsMFA)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

type refreshRow struct {
	Handle    string    `db:"handle"`
	UserID    string    `db:"user_id"`
	NotBefore time.Time `db:"not_before"`
	Expiry    time.Time `db:"expiry"`
	Scopes    string    `db:"scopes"`
	IsMFA     bool      `db:"is_mfa"`
}

func refreshFromRow(r refreshRow) RefreshToken {
	return RefreshToken{
		Handle: r.Handle, UserID: r.UserID, NotBefore: r.NotBefore,
		Expiry: r.Expiry, Scopes: splitCSV(r.Scopes), IsMFA: r.IsMFA,
	}
}

func (p *pgStore) GetRefreshToken(ctx context.Context, handle string) (RefreshToken, error) {
	var row refreshRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM refresh_tokens WHERE handle = $1`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, fmt.Errorf("get refresh token: %w", err)
	}
	return refreshFromRow(row), nil
}

func (p *pgStore) UpdateRefreshToken(ctx context.Context, handle string, updater func(RefreshToken) (RefreshToken, error)) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var row refreshRow
	err = tx.GetContext(ctx, &row, `SELECT * FROM refresh_tokens WHERE handle = $1 FOR UPDATE`, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select refresh token for update: %w", err)
	}
	nrt, err := updater(refreshFromRow(row))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE refresh_tokens SET expiry=$1 WHERE handle=$2`, nrt.Expiry, handle)
	if err != nil {
		return fmt.Errorf("update refresh token: %w", err)
	}
	return tx.Commit()
}

func (p *pgStore) DeleteRefreshToken(ctx context.Context, handle string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE handle = $1`, handle)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (p *pgStore) InvalidateAllRefreshTokensForUser(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("invalidate refresh tokens: %w", err)
	}
	return nil
}

type jwkRow struct {
	Kid        string `db:"kid"`
	Alg        string `db:"alg"`
	CreatedAt  time.Time `db:"created_at"`
	Ciphertext []byte `db:"ciphertext"`
	EncKeyID   string `db:"enc_key_id"`
}

func (p *pgStore) GetKeys(ctx context.Context) ([]JWK, error) {
	var rows []jwkRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT * FROM jwks ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	out := make([]JWK, len(rows))
	for i, r := range rows {
		out[i] = JWK{Kid: r.Kid, Alg: SigAlg(r.Alg), CreatedAt: r.CreatedAt, Ciphertext: r.Ciphertext, EncKeyID: r.EncKeyID}
	}
	return out, nil
}

func (p *pgStore) PutKeys(ctx context.Context, keys []JWK) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, k := range keys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jwks (kid, alg, created_at, ciphertext, enc_key_id)
			VALUES ($1,$2,$3,$4,$5)`,
			k.Kid, string(k.Alg), k.CreatedAt, k.Ciphertext, k.EncKeyID)
		if err != nil {
			return fmt.Errorf("insert jwk: %w", err)
		}
	}
	return tx.Commit()
}
