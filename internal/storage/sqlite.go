package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

// SQLiteBackend persists artifacts in a relational database, one table per
// artifact kind. All instants are stored as epoch-millisecond integers to
// avoid timezone ambiguity, and every secondary lookup key carries an index.
type SQLiteBackend struct {
	dsn string
	db  *sql.DB
}

// NewSQLiteBackend creates a backend for the given DSN. The connection is
// opened by Initialize.
func NewSQLiteBackend(dsn string) *SQLiteBackend {
	return &SQLiteBackend{dsn: dsn}
}

var _ Backend = (*SQLiteBackend)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	token_expires_at INTEGER NOT NULL,
	upstream_access_token TEXT NOT NULL,
	upstream_refresh_token TEXT NOT NULL,
	upstream_expires_at INTEGER NOT NULL,
	user_id TEXT NOT NULL,
	username TEXT NOT NULL,
	client_id TEXT NOT NULL,
	scopes TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_access_token ON sessions(access_token);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_refresh_token ON sessions(refresh_token);

CREATE TABLE IF NOT EXISTS device_flows (
	device_code TEXT PRIMARY KEY,
	user_code TEXT NOT NULL,
	flow_state TEXT NOT NULL,
	verification_uri TEXT NOT NULL,
	verification_uri_complete TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	interval INTEGER NOT NULL,
	client_id TEXT NOT NULL,
	code_challenge TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	client_state TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	session_id TEXT NOT NULL,
	denied INTEGER NOT NULL,
	last_poll INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_device_flows_user_code ON device_flows(user_code);
CREATE UNIQUE INDEX IF NOT EXISTS idx_device_flows_flow_state ON device_flows(flow_state);

CREATE TABLE IF NOT EXISTS auth_code_flows (
	flow_state TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	code_challenge TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	client_state TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	callback_uri TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS authorization_codes (
	code TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	code_challenge TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS clients (
	client_id TEXT PRIMARY KEY,
	client_secret TEXT NOT NULL,
	redirect_uris TEXT NOT NULL,
	grant_types TEXT NOT NULL,
	response_types TEXT NOT NULL,
	token_endpoint_auth_method TEXT NOT NULL,
	client_name TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transport_bindings (
	transport_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transport_bindings_session ON transport_bindings(session_id);
`

// Initialize opens the database and creates tables. It is idempotent.
func (b *SQLiteBackend) Initialize(ctx context.Context) error {
	if b.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", b.dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent mirror writes.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating tables: %w", err)
	}
	b.db = db
	return nil
}

// Close releases the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// rollback discards a transaction, ignoring the error from a transaction
// that already committed.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

const sessionColumns = `id, access_token, refresh_token, token_expires_at,
	upstream_access_token, upstream_refresh_token, upstream_expires_at,
	user_id, username, client_id, scopes, created_at, updated_at`

func (b *SQLiteBackend) PutSession(ctx context.Context, s *Session) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			upstream_access_token = excluded.upstream_access_token,
			upstream_refresh_token = excluded.upstream_refresh_token,
			upstream_expires_at = excluded.upstream_expires_at,
			user_id = excluded.user_id,
			username = excluded.username,
			client_id = excluded.client_id,
			scopes = excluded.scopes,
			updated_at = excluded.updated_at`,
		s.ID, s.AccessToken, s.RefreshToken, epochMillis(s.TokenExpiresAt),
		s.UpstreamAccessToken, s.UpstreamRefreshToken, epochMillis(s.UpstreamExpiresAt),
		s.UserID, s.Username, s.ClientID, encodeStrings(s.Scopes),
		epochMillis(s.CreatedAt), epochMillis(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var tokenExp, upExp, created, updated int64
	var scopes string
	err := row.Scan(&s.ID, &s.AccessToken, &s.RefreshToken, &tokenExp,
		&s.UpstreamAccessToken, &s.UpstreamRefreshToken, &upExp,
		&s.UserID, &s.Username, &s.ClientID, &scopes, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	s.TokenExpiresAt = fromEpochMillis(tokenExp)
	s.UpstreamExpiresAt = fromEpochMillis(upExp)
	s.CreatedAt = fromEpochMillis(created)
	s.UpdatedAt = fromEpochMillis(updated)
	s.Scopes = decodeStrings(scopes)
	return &s, nil
}

func (b *SQLiteBackend) GetSession(ctx context.Context, id string) (*Session, error) {
	return b.scanSession(b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

func (b *SQLiteBackend) GetSessionByAccessToken(ctx context.Context, token string) (*Session, error) {
	return b.scanSession(b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE access_token = ?`, token))
}

func (b *SQLiteBackend) GetSessionByRefreshToken(ctx context.Context, token string) (*Session, error) {
	return b.scanSession(b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token = ?`, token))
}

func (b *SQLiteBackend) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var s Session
		var tokenExp, upExp, created, updated int64
		var scopes string
		if err := rows.Scan(&s.ID, &s.AccessToken, &s.RefreshToken, &tokenExp,
			&s.UpstreamAccessToken, &s.UpstreamRefreshToken, &upExp,
			&s.UserID, &s.Username, &s.ClientID, &scopes, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.TokenExpiresAt = fromEpochMillis(tokenExp)
		s.UpstreamExpiresAt = fromEpochMillis(upExp)
		s.CreatedAt = fromEpochMillis(created)
		s.UpdatedAt = fromEpochMillis(updated)
		s.Scopes = decodeStrings(scopes)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) DeleteSession(ctx context.Context, id string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transport_bindings WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting transport bindings: %w", err)
	}
	return tx.Commit()
}

const deviceFlowColumns = `device_code, user_code, flow_state, verification_uri,
	verification_uri_complete, expires_at, interval, client_id, code_challenge,
	code_challenge_method, client_state, redirect_uri, session_id, denied, last_poll, created_at`

func (b *SQLiteBackend) PutDeviceFlow(ctx context.Context, f *DeviceFlowState) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO device_flows (`+deviceFlowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_code) DO UPDATE SET
			session_id = excluded.session_id,
			denied = excluded.denied,
			last_poll = excluded.last_poll`,
		f.DeviceCode, f.UserCode, f.FlowState, f.VerificationURI,
		f.VerificationURIComplete, epochMillis(f.ExpiresAt), f.Interval,
		f.ClientID, f.CodeChallenge, f.CodeChallengeMethod, f.ClientState,
		f.RedirectURI, f.SessionID, f.Denied, epochMillis(f.LastPoll), epochMillis(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting device flow: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) scanDeviceFlow(row *sql.Row) (*DeviceFlowState, error) {
	var f DeviceFlowState
	var exp, lastPoll, created int64
	err := row.Scan(&f.DeviceCode, &f.UserCode, &f.FlowState, &f.VerificationURI,
		&f.VerificationURIComplete, &exp, &f.Interval, &f.ClientID,
		&f.CodeChallenge, &f.CodeChallengeMethod, &f.ClientState,
		&f.RedirectURI, &f.SessionID, &f.Denied, &lastPoll, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device flow: %w", err)
	}
	f.ExpiresAt = fromEpochMillis(exp)
	f.LastPoll = fromEpochMillis(lastPoll)
	f.CreatedAt = fromEpochMillis(created)
	return &f, nil
}

func (b *SQLiteBackend) GetDeviceFlow(ctx context.Context, deviceCode string) (*DeviceFlowState, error) {
	return b.scanDeviceFlow(b.db.QueryRowContext(ctx,
		`SELECT `+deviceFlowColumns+` FROM device_flows WHERE device_code = ?`, deviceCode))
}

func (b *SQLiteBackend) GetDeviceFlowByUserCode(ctx context.Context, userCode string) (*DeviceFlowState, error) {
	return b.scanDeviceFlow(b.db.QueryRowContext(ctx,
		`SELECT `+deviceFlowColumns+` FROM device_flows WHERE user_code = ?`, userCode))
}

func (b *SQLiteBackend) GetDeviceFlowByState(ctx context.Context, flowState string) (*DeviceFlowState, error) {
	return b.scanDeviceFlow(b.db.QueryRowContext(ctx,
		`SELECT `+deviceFlowColumns+` FROM device_flows WHERE flow_state = ?`, flowState))
}

func (b *SQLiteBackend) ListDeviceFlows(ctx context.Context) ([]*DeviceFlowState, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+deviceFlowColumns+` FROM device_flows`)
	if err != nil {
		return nil, fmt.Errorf("listing device flows: %w", err)
	}
	defer rows.Close()

	var out []*DeviceFlowState
	for rows.Next() {
		var f DeviceFlowState
		var exp, lastPoll, created int64
		if err := rows.Scan(&f.DeviceCode, &f.UserCode, &f.FlowState, &f.VerificationURI,
			&f.VerificationURIComplete, &exp, &f.Interval, &f.ClientID,
			&f.CodeChallenge, &f.CodeChallengeMethod, &f.ClientState,
			&f.RedirectURI, &f.SessionID, &f.Denied, &lastPoll, &created); err != nil {
			return nil, fmt.Errorf("scanning device flow: %w", err)
		}
		f.ExpiresAt = fromEpochMillis(exp)
		f.LastPoll = fromEpochMillis(lastPoll)
		f.CreatedAt = fromEpochMillis(created)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) DeleteDeviceFlow(ctx context.Context, deviceCode string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM device_flows WHERE device_code = ?`, deviceCode); err != nil {
		return fmt.Errorf("deleting device flow: %w", err)
	}
	return nil
}

const authFlowColumns = `flow_state, client_id, code_challenge, code_challenge_method,
	client_state, redirect_uri, callback_uri, expires_at, created_at`

func (b *SQLiteBackend) PutAuthCodeFlow(ctx context.Context, f *AuthCodeFlowState) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO auth_code_flows (`+authFlowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FlowState, f.ClientID, f.CodeChallenge, f.CodeChallengeMethod,
		f.ClientState, f.RedirectURI, f.CallbackURI,
		epochMillis(f.ExpiresAt), epochMillis(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting auth code flow: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetAuthCodeFlow(ctx context.Context, flowState string) (*AuthCodeFlowState, error) {
	var f AuthCodeFlowState
	var exp, created int64
	err := b.db.QueryRowContext(ctx,
		`SELECT `+authFlowColumns+` FROM auth_code_flows WHERE flow_state = ?`, flowState).
		Scan(&f.FlowState, &f.ClientID, &f.CodeChallenge, &f.CodeChallengeMethod,
			&f.ClientState, &f.RedirectURI, &f.CallbackURI, &exp, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning auth code flow: %w", err)
	}
	f.ExpiresAt = fromEpochMillis(exp)
	f.CreatedAt = fromEpochMillis(created)
	return &f, nil
}

func (b *SQLiteBackend) ListAuthCodeFlows(ctx context.Context) ([]*AuthCodeFlowState, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+authFlowColumns+` FROM auth_code_flows`)
	if err != nil {
		return nil, fmt.Errorf("listing auth code flows: %w", err)
	}
	defer rows.Close()

	var out []*AuthCodeFlowState
	for rows.Next() {
		var f AuthCodeFlowState
		var exp, created int64
		if err := rows.Scan(&f.FlowState, &f.ClientID, &f.CodeChallenge,
			&f.CodeChallengeMethod, &f.ClientState, &f.RedirectURI,
			&f.CallbackURI, &exp, &created); err != nil {
			return nil, fmt.Errorf("scanning auth code flow: %w", err)
		}
		f.ExpiresAt = fromEpochMillis(exp)
		f.CreatedAt = fromEpochMillis(created)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) DeleteAuthCodeFlow(ctx context.Context, flowState string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM auth_code_flows WHERE flow_state = ?`, flowState); err != nil {
		return fmt.Errorf("deleting auth code flow: %w", err)
	}
	return nil
}

const authCodeColumns = `code, session_id, client_id, code_challenge,
	code_challenge_method, redirect_uri, expires_at, created_at`

func (b *SQLiteBackend) PutAuthorizationCode(ctx context.Context, c *AuthorizationCode) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO authorization_codes (`+authCodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Code, c.SessionID, c.ClientID, c.CodeChallenge, c.CodeChallengeMethod,
		c.RedirectURI, epochMillis(c.ExpiresAt), epochMillis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting authorization code: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var c AuthorizationCode
	var exp, created int64
	err := b.db.QueryRowContext(ctx,
		`SELECT `+authCodeColumns+` FROM authorization_codes WHERE code = ?`, code).
		Scan(&c.Code, &c.SessionID, &c.ClientID, &c.CodeChallenge,
			&c.CodeChallengeMethod, &c.RedirectURI, &exp, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning authorization code: %w", err)
	}
	c.ExpiresAt = fromEpochMillis(exp)
	c.CreatedAt = fromEpochMillis(created)
	return &c, nil
}

func (b *SQLiteBackend) ListAuthorizationCodes(ctx context.Context) ([]*AuthorizationCode, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+authCodeColumns+` FROM authorization_codes`)
	if err != nil {
		return nil, fmt.Errorf("listing authorization codes: %w", err)
	}
	defer rows.Close()

	var out []*AuthorizationCode
	for rows.Next() {
		var c AuthorizationCode
		var exp, created int64
		if err := rows.Scan(&c.Code, &c.SessionID, &c.ClientID, &c.CodeChallenge,
			&c.CodeChallengeMethod, &c.RedirectURI, &exp, &created); err != nil {
			return nil, fmt.Errorf("scanning authorization code: %w", err)
		}
		c.ExpiresAt = fromEpochMillis(exp)
		c.CreatedAt = fromEpochMillis(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM authorization_codes WHERE code = ?`, code); err != nil {
		return fmt.Errorf("deleting authorization code: %w", err)
	}
	return nil
}

const clientColumns = `client_id, client_secret, redirect_uris, grant_types,
	response_types, token_endpoint_auth_method, client_name, created_at`

func (b *SQLiteBackend) PutClient(ctx context.Context, c *RegisteredClient) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientID, c.ClientSecret, encodeStrings(c.RedirectURIs),
		encodeStrings(c.GrantTypes), encodeStrings(c.ResponseTypes),
		c.TokenEndpointAuthMethod, c.ClientName, epochMillis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting client: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetClient(ctx context.Context, clientID string) (*RegisteredClient, error) {
	var c RegisteredClient
	var uris, grants, responses string
	var created int64
	err := b.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID).
		Scan(&c.ClientID, &c.ClientSecret, &uris, &grants, &responses,
			&c.TokenEndpointAuthMethod, &c.ClientName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning client: %w", err)
	}
	c.RedirectURIs = decodeStrings(uris)
	c.GrantTypes = decodeStrings(grants)
	c.ResponseTypes = decodeStrings(responses)
	c.CreatedAt = fromEpochMillis(created)
	return &c, nil
}

func (b *SQLiteBackend) ListClients(ctx context.Context) ([]*RegisteredClient, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var out []*RegisteredClient
	for rows.Next() {
		var c RegisteredClient
		var uris, grants, responses string
		var created int64
		if err := rows.Scan(&c.ClientID, &c.ClientSecret, &uris, &grants, &responses,
			&c.TokenEndpointAuthMethod, &c.ClientName, &created); err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		c.RedirectURIs = decodeStrings(uris)
		c.GrantTypes = decodeStrings(grants)
		c.ResponseTypes = decodeStrings(responses)
		c.CreatedAt = fromEpochMillis(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) DeleteClient(ctx context.Context, clientID string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM clients WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) BindTransportSession(ctx context.Context, transportID, sessionID string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO transport_bindings (transport_id, session_id)
		VALUES (?, ?)`, transportID, sessionID)
	if err != nil {
		return fmt.Errorf("binding transport session: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetTransportBinding(ctx context.Context, transportID string) (string, error) {
	var sessionID string
	err := b.db.QueryRowContext(ctx,
		`SELECT session_id FROM transport_bindings WHERE transport_id = ?`, transportID).
		Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scanning transport binding: %w", err)
	}
	return sessionID, nil
}

func (b *SQLiteBackend) ListTransportBindings(ctx context.Context) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT transport_id, session_id FROM transport_bindings`)
	if err != nil {
		return nil, fmt.Errorf("listing transport bindings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var tid, sid string
		if err := rows.Scan(&tid, &sid); err != nil {
			return nil, fmt.Errorf("scanning transport binding: %w", err)
		}
		out[tid] = sid
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) DeleteTransportBindings(ctx context.Context, sessionID string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM transport_bindings WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting transport bindings: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"sessions", &stats.Sessions},
		{"device_flows", &stats.DeviceFlows},
		{"auth_code_flows", &stats.AuthCodeFlows},
		{"authorization_codes", &stats.AuthorizationCodes},
		{"clients", &stats.Clients},
		{"transport_bindings", &stats.TransportBindings},
	}
	for _, c := range counts {
		if err := b.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil { //nolint:gosec // table names are constants
			return Stats{}, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}
	return stats, nil
}

// Cleanup deletes all expired rows in one multi-statement transaction. If any
// statement fails the whole pass rolls back: it reports zero counts and
// leaves every row intact.
func (b *SQLiteBackend) Cleanup(ctx context.Context, now time.Time, maxSessionAge time.Duration) (CleanupResult, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("beginning cleanup transaction: %w", err)
	}
	defer rollback(tx)

	var result CleanupResult
	nowMs := now.UnixMilli()
	sessionCutoff := now.Add(-maxSessionAge).UnixMilli()

	deletes := []struct {
		query string
		arg   int64
		dst   *int
	}{
		{`DELETE FROM sessions WHERE created_at < ?`, sessionCutoff, &result.Sessions},
		{`DELETE FROM device_flows WHERE expires_at < ?`, nowMs, &result.DeviceFlows},
		{`DELETE FROM auth_code_flows WHERE expires_at < ?`, nowMs, &result.AuthCodeFlows},
		{`DELETE FROM authorization_codes WHERE expires_at < ?`, nowMs, &result.AuthorizationCodes},
	}
	for _, d := range deletes {
		res, err := tx.ExecContext(ctx, d.query, d.arg)
		if err != nil {
			return CleanupResult{}, fmt.Errorf("cleanup delete: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return CleanupResult{}, fmt.Errorf("cleanup rows affected: %w", err)
		}
		*d.dst = int(n)
	}

	// Orphaned transport bindings go with their sessions.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transport_bindings WHERE session_id NOT IN (SELECT id FROM sessions)`); err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup transport bindings: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CleanupResult{}, fmt.Errorf("committing cleanup: %w", err)
	}
	return result, nil
}
