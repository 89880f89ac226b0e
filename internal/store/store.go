// Package store provides the single in-process access point for
// authorization artifacts. It keeps an authoritative in-memory cache for
// synchronous reads and mutations, mirrors every mutation to a storage
// backend asynchronously, and runs a periodic expiry sweep.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskbridge/taskbridge/internal/storage"
)

const (
	// DefaultCleanupInterval is how often the expiry sweep runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultMaxSessionAge is the fixed maximum session lifetime,
	// enforced regardless of activity.
	DefaultMaxSessionAge = 7 * 24 * time.Hour

	// backendWriteTimeout bounds each asynchronous mirror write.
	backendWriteTimeout = 10 * time.Second

	// idLogLength truncates identifiers in log output; enough to
	// correlate, never a full secret.
	idLogLength = 8
)

// Store is the write-through cache over a storage.Backend. The cache is the
// source of truth for the life of the process; backend writes are
// fire-and-forget and their failures are logged, never surfaced.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger

	mu             sync.RWMutex
	sessions       map[string]*storage.Session
	byAccessToken  map[string]string
	byRefreshToken map[string]string
	deviceFlows    map[string]*storage.DeviceFlowState
	byUserCode     map[string]string
	byFlowState    map[string]string
	authFlows      map[string]*storage.AuthCodeFlowState
	authCodes      map[string]*storage.AuthorizationCode
	clients        map[string]*storage.RegisteredClient
	transport      map[string]string

	pending sync.WaitGroup

	cleanupInterval time.Duration
	maxSessionAge   time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithCleanupInterval overrides how often the expiry sweep runs.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) { s.cleanupInterval = d }
}

// WithMaxSessionAge overrides the maximum session lifetime.
func WithMaxSessionAge(d time.Duration) Option {
	return func(s *Store) { s.maxSessionAge = d }
}

// New creates a store wrapping exactly one backend. Initialize must be
// called before use.
func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:         backend,
		logger:          slog.Default(),
		sessions:        make(map[string]*storage.Session),
		byAccessToken:   make(map[string]string),
		byRefreshToken:  make(map[string]string),
		deviceFlows:     make(map[string]*storage.DeviceFlowState),
		byUserCode:      make(map[string]string),
		byFlowState:     make(map[string]string),
		authFlows:       make(map[string]*storage.AuthCodeFlowState),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		clients:         make(map[string]*storage.RegisteredClient),
		transport:       make(map[string]string),
		cleanupInterval: DefaultCleanupInterval,
		maxSessionAge:   DefaultMaxSessionAge,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize opens the backend, purges already-expired rows, loads every
// surviving artifact into the cache (rebuilding all secondary indexes), and
// starts the cleanup timer.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.backend.Initialize(ctx); err != nil {
		return err
	}

	if removed, err := s.backend.Cleanup(ctx, time.Now(), s.maxSessionAge); err != nil {
		s.logger.Warn("startup cleanup failed", "error", err)
	} else if removed.Total() > 0 {
		s.logger.Info("purged expired records at startup", "removed", removed.Total())
	}

	sessions, err := s.backend.ListSessions(ctx)
	if err != nil {
		return err
	}
	deviceFlows, err := s.backend.ListDeviceFlows(ctx)
	if err != nil {
		return err
	}
	authFlows, err := s.backend.ListAuthCodeFlows(ctx)
	if err != nil {
		return err
	}
	authCodes, err := s.backend.ListAuthorizationCodes(ctx)
	if err != nil {
		return err
	}
	clients, err := s.backend.ListClients(ctx)
	if err != nil {
		return err
	}
	bindings, err := s.backend.ListTransportBindings(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
		s.byAccessToken[sess.AccessToken] = sess.ID
		s.byRefreshToken[sess.RefreshToken] = sess.ID
	}
	for _, f := range deviceFlows {
		s.deviceFlows[f.DeviceCode] = f
		s.byUserCode[f.UserCode] = f.DeviceCode
		s.byFlowState[f.FlowState] = f.DeviceCode
	}
	for _, f := range authFlows {
		s.authFlows[f.FlowState] = f
	}
	for _, c := range authCodes {
		s.authCodes[c.Code] = c
	}
	for _, c := range clients {
		s.clients[c.ClientID] = c
	}
	for tid, sid := range bindings {
		s.transport[tid] = sid
	}
	s.mu.Unlock()

	if len(sessions) > 0 {
		s.logger.Info("loaded sessions from storage", "count", len(sessions))
	}

	go s.cleanupLoop()
	return nil
}

// Close stops the cleanup timer, drains pending backend writes, and closes
// the backend. The drain honors the context; on expiry the backend is left
// open and the context error is returned.
func (s *Store) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("draining pending backend writes: %w", ctx.Err())
	}
	return s.backend.Close()
}

// Flush blocks until every asynchronous backend write issued so far has
// completed. Intended for tests and graceful shutdown; normal callers must
// not assume read-after-write consistency against the backend, only against
// the cache.
func (s *Store) Flush() {
	s.pending.Wait()
}

// mirror issues a fire-and-forget backend write. A failure is logged with
// enough context to correlate and never rolls back the cache.
func (s *Store) mirror(op, key string, fn func(ctx context.Context) error) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backendWriteTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("backend write failed",
				"op", op,
				"key", truncateID(key),
				"error", err)
		}
	}()
}

func truncateID(id string) string {
	if len(id) <= idLogLength {
		return id
	}
	return id[:idLogLength]
}

// ---- Sessions ----

// CreateSession inserts a session into the cache and mirrors it to the
// backend. Zero CreatedAt/UpdatedAt instants are stamped with now.
func (s *Store) CreateSession(sess *storage.Session) {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.byAccessToken[sess.AccessToken] = sess.ID
	s.byRefreshToken[sess.RefreshToken] = sess.ID
	s.mu.Unlock()

	snapshot := *sess
	s.mirror("create_session", sess.ID, func(ctx context.Context) error {
		return s.backend.PutSession(ctx, &snapshot)
	})
}

// UpdateSession merges only the supplied fields into the session, re-indexes
// the token maps when either token changed, and stamps a new update instant.
// It returns false (a no-op) when the session id does not exist.
func (s *Store) UpdateSession(id string, patch storage.SessionPatch) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	if patch.AccessToken != nil && *patch.AccessToken != sess.AccessToken {
		delete(s.byAccessToken, sess.AccessToken)
		sess.AccessToken = *patch.AccessToken
		s.byAccessToken[sess.AccessToken] = id
	}
	if patch.RefreshToken != nil && *patch.RefreshToken != sess.RefreshToken {
		delete(s.byRefreshToken, sess.RefreshToken)
		sess.RefreshToken = *patch.RefreshToken
		s.byRefreshToken[sess.RefreshToken] = id
	}
	if patch.TokenExpiresAt != nil {
		sess.TokenExpiresAt = *patch.TokenExpiresAt
	}
	if patch.UpstreamAccessToken != nil {
		sess.UpstreamAccessToken = *patch.UpstreamAccessToken
	}
	if patch.UpstreamRefreshToken != nil {
		sess.UpstreamRefreshToken = *patch.UpstreamRefreshToken
	}
	if patch.UpstreamExpiresAt != nil {
		sess.UpstreamExpiresAt = *patch.UpstreamExpiresAt
	}
	if patch.Scopes != nil {
		sess.Scopes = patch.Scopes
	}
	sess.UpdatedAt = time.Now()

	snapshot := *sess
	s.mu.Unlock()

	s.mirror("update_session", id, func(ctx context.Context) error {
		return s.backend.PutSession(ctx, &snapshot)
	})
	return true
}

// DeleteSession removes a session, its token indexes, and any transport
// bindings pointing at it.
func (s *Store) DeleteSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.byAccessToken, sess.AccessToken)
		delete(s.byRefreshToken, sess.RefreshToken)
		delete(s.sessions, id)
		for tid, sid := range s.transport {
			if sid == id {
				delete(s.transport, tid)
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.mirror("delete_session", id, func(ctx context.Context) error {
		return s.backend.DeleteSession(ctx, id)
	})
}

// GetSession returns a copy of the session, or nil if absent.
func (s *Store) GetSession(id string) *storage.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.sessions[id])
}

// GetSessionByToken resolves a session by the access token this server
// issued for it.
func (s *Store) GetSessionByToken(accessToken string) *storage.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.sessions[s.byAccessToken[accessToken]])
}

// GetSessionByRefreshToken resolves a session by its refresh token.
func (s *Store) GetSessionByRefreshToken(refreshToken string) *storage.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.sessions[s.byRefreshToken[refreshToken]])
}

func copySession(sess *storage.Session) *storage.Session {
	if sess == nil {
		return nil
	}
	out := *sess
	out.Scopes = append([]string(nil), sess.Scopes...)
	return &out
}

// BindTransportSession maps a transport-level connection id onto a session.
// Many transport ids may share one session.
func (s *Store) BindTransportSession(transportID, sessionID string) {
	s.mu.Lock()
	s.transport[transportID] = sessionID
	s.mu.Unlock()

	s.mirror("bind_transport", transportID, func(ctx context.Context) error {
		return s.backend.BindTransportSession(ctx, transportID, sessionID)
	})
}

// GetSessionByTransportID resolves a session through a transport binding.
func (s *Store) GetSessionByTransportID(transportID string) *storage.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySession(s.sessions[s.transport[transportID]])
}

// ---- Device flow states ----

// CreateDeviceFlow stores a new in-flight device grant.
func (s *Store) CreateDeviceFlow(f *storage.DeviceFlowState) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.deviceFlows[f.DeviceCode] = f
	s.byUserCode[f.UserCode] = f.DeviceCode
	s.byFlowState[f.FlowState] = f.DeviceCode
	s.mu.Unlock()

	snapshot := *f
	s.mirror("create_device_flow", f.DeviceCode, func(ctx context.Context) error {
		return s.backend.PutDeviceFlow(ctx, &snapshot)
	})
}

// GetDeviceFlow looks up a flow by device code.
func (s *Store) GetDeviceFlow(deviceCode string) *storage.DeviceFlowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyDeviceFlow(s.deviceFlows[deviceCode])
}

// GetDeviceFlowByUserCode looks up a flow by its normalized user code.
func (s *Store) GetDeviceFlowByUserCode(userCode string) *storage.DeviceFlowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyDeviceFlow(s.deviceFlows[s.byUserCode[userCode]])
}

// GetDeviceFlowByState looks up a flow by the internal state token sent to
// the upstream provider.
func (s *Store) GetDeviceFlowByState(flowState string) *storage.DeviceFlowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyDeviceFlow(s.deviceFlows[s.byFlowState[flowState]])
}

func copyDeviceFlow(f *storage.DeviceFlowState) *storage.DeviceFlowState {
	if f == nil {
		return nil
	}
	out := *f
	return &out
}

// AuthorizeDeviceFlow records the session materialized for a device grant.
// Returns false if the flow no longer exists.
func (s *Store) AuthorizeDeviceFlow(deviceCode, sessionID string) bool {
	s.mu.Lock()
	f, ok := s.deviceFlows[deviceCode]
	if !ok {
		s.mu.Unlock()
		return false
	}
	f.SessionID = sessionID
	snapshot := *f
	s.mu.Unlock()

	s.mirror("authorize_device_flow", deviceCode, func(ctx context.Context) error {
		return s.backend.PutDeviceFlow(ctx, &snapshot)
	})
	return true
}

// DenyDeviceFlow records that the user refused authorization. Returns false
// if the flow no longer exists.
func (s *Store) DenyDeviceFlow(deviceCode string) bool {
	s.mu.Lock()
	f, ok := s.deviceFlows[deviceCode]
	if !ok {
		s.mu.Unlock()
		return false
	}
	f.Denied = true
	snapshot := *f
	s.mu.Unlock()

	s.mirror("deny_device_flow", deviceCode, func(ctx context.Context) error {
		return s.backend.PutDeviceFlow(ctx, &snapshot)
	})
	return true
}

// TouchDeviceFlowPoll stamps the last poll instant for interval enforcement.
func (s *Store) TouchDeviceFlowPoll(deviceCode string, at time.Time) bool {
	s.mu.Lock()
	f, ok := s.deviceFlows[deviceCode]
	if !ok {
		s.mu.Unlock()
		return false
	}
	f.LastPoll = at
	snapshot := *f
	s.mu.Unlock()

	s.mirror("touch_device_flow", deviceCode, func(ctx context.Context) error {
		return s.backend.PutDeviceFlow(ctx, &snapshot)
	})
	return true
}

// DeleteDeviceFlow removes a flow and its user-code and state indexes.
func (s *Store) DeleteDeviceFlow(deviceCode string) {
	s.mu.Lock()
	f, ok := s.deviceFlows[deviceCode]
	if ok {
		delete(s.byUserCode, f.UserCode)
		delete(s.byFlowState, f.FlowState)
		delete(s.deviceFlows, deviceCode)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.mirror("delete_device_flow", deviceCode, func(ctx context.Context) error {
		return s.backend.DeleteDeviceFlow(ctx, deviceCode)
	})
}

// ---- Authorization-code flow states ----

// CreateAuthCodeFlow stores a new in-flight redirect grant.
func (s *Store) CreateAuthCodeFlow(f *storage.AuthCodeFlowState) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.authFlows[f.FlowState] = f
	s.mu.Unlock()

	snapshot := *f
	s.mirror("create_auth_flow", f.FlowState, func(ctx context.Context) error {
		return s.backend.PutAuthCodeFlow(ctx, &snapshot)
	})
}

// GetAuthCodeFlow looks up a flow by internal state token.
func (s *Store) GetAuthCodeFlow(flowState string) *storage.AuthCodeFlowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f := s.authFlows[flowState]
	if f == nil {
		return nil
	}
	out := *f
	return &out
}

// DeleteAuthCodeFlow removes a flow state.
func (s *Store) DeleteAuthCodeFlow(flowState string) {
	s.mu.Lock()
	_, ok := s.authFlows[flowState]
	delete(s.authFlows, flowState)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.mirror("delete_auth_flow", flowState, func(ctx context.Context) error {
		return s.backend.DeleteAuthCodeFlow(ctx, flowState)
	})
}

// ---- Authorization codes ----

// CreateAuthorizationCode stores a single-use exchange artifact.
func (s *Store) CreateAuthorizationCode(c *storage.AuthorizationCode) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.authCodes[c.Code] = c
	s.mu.Unlock()

	snapshot := *c
	s.mirror("create_auth_code", c.Code, func(ctx context.Context) error {
		return s.backend.PutAuthorizationCode(ctx, &snapshot)
	})
}

// ConsumeAuthorizationCode atomically reads and deletes an authorization
// code, enforcing single use: a second consume of the same value returns
// nil.
func (s *Store) ConsumeAuthorizationCode(code string) *storage.AuthorizationCode {
	s.mu.Lock()
	c, ok := s.authCodes[code]
	if ok {
		delete(s.authCodes, code)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.mirror("consume_auth_code", code, func(ctx context.Context) error {
		return s.backend.DeleteAuthorizationCode(ctx, code)
	})
	out := *c
	return &out
}

// DeleteAuthorizationCode removes a code without reading it.
func (s *Store) DeleteAuthorizationCode(code string) {
	s.mu.Lock()
	_, ok := s.authCodes[code]
	delete(s.authCodes, code)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.mirror("delete_auth_code", code, func(ctx context.Context) error {
		return s.backend.DeleteAuthorizationCode(ctx, code)
	})
}

// ---- Registered clients ----

// CreateClient stores a client registration. Registrations are immutable
// after creation.
func (s *Store) CreateClient(c *storage.RegisteredClient) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.clients[c.ClientID] = c
	s.mu.Unlock()

	snapshot := *c
	s.mirror("create_client", c.ClientID, func(ctx context.Context) error {
		return s.backend.PutClient(ctx, &snapshot)
	})
}

// GetClient returns a copy of a registered client, or nil.
func (s *Store) GetClient(clientID string) *storage.RegisteredClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.clients[clientID]
	if c == nil {
		return nil
	}
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]string(nil), c.GrantTypes...)
	out.ResponseTypes = append([]string(nil), c.ResponseTypes...)
	return &out
}

// ---- Stats and cleanup ----

// Stats reports cached per-kind record counts.
func (s *Store) Stats() storage.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.Stats{
		Sessions:           len(s.sessions),
		DeviceFlows:        len(s.deviceFlows),
		AuthCodeFlows:      len(s.authFlows),
		AuthorizationCodes: len(s.authCodes),
		Clients:            len(s.clients),
		TransportBindings:  len(s.transport),
	}
}

// Cleanup deletes every expired record from the cache and, through the
// per-kind delete paths, from the backend. Expiry is judged against the
// snapshot taken under the read lock, so a record created after the
// snapshot can never be removed by a clock race.
func (s *Store) Cleanup(now time.Time) storage.CleanupResult {
	type expired struct {
		sessions, deviceFlows, authFlows, authCodes []string
	}
	var ex expired

	s.mu.RLock()
	for id, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > s.maxSessionAge {
			ex.sessions = append(ex.sessions, id)
		}
	}
	for code, f := range s.deviceFlows {
		if now.After(f.ExpiresAt) {
			ex.deviceFlows = append(ex.deviceFlows, code)
		}
	}
	for state, f := range s.authFlows {
		if now.After(f.ExpiresAt) {
			ex.authFlows = append(ex.authFlows, state)
		}
	}
	for code, c := range s.authCodes {
		if now.After(c.ExpiresAt) {
			ex.authCodes = append(ex.authCodes, code)
		}
	}
	s.mu.RUnlock()

	for _, id := range ex.sessions {
		s.DeleteSession(id)
	}
	for _, code := range ex.deviceFlows {
		s.DeleteDeviceFlow(code)
	}
	for _, state := range ex.authFlows {
		s.DeleteAuthCodeFlow(state)
	}
	for _, code := range ex.authCodes {
		s.DeleteAuthorizationCode(code)
	}

	result := storage.CleanupResult{
		Sessions:           len(ex.sessions),
		DeviceFlows:        len(ex.deviceFlows),
		AuthCodeFlows:      len(ex.authFlows),
		AuthorizationCodes: len(ex.authCodes),
	}
	if result.Total() > 0 {
		s.logger.Info("expired records removed",
			"sessions", result.Sessions,
			"device_flows", result.DeviceFlows,
			"auth_flows", result.AuthCodeFlows,
			"auth_codes", result.AuthorizationCodes)
	}
	return result
}

// cleanupLoop runs the sweep on a stoppable ticker so an idle store never
// keeps the process alive.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}
