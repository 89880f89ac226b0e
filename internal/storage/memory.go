package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps all artifacts in process memory. It backs the default
// "no storage configured" mode: nothing survives a restart and every
// operation is effectively synchronous.
type MemoryBackend struct {
	mu sync.RWMutex

	sessions       map[string]*Session
	byAccessToken  map[string]string // access token -> session id
	byRefreshToken map[string]string // refresh token -> session id

	deviceFlows map[string]*DeviceFlowState
	byUserCode  map[string]string // user code -> device code
	byFlowState map[string]string // flow state -> device code

	authFlows map[string]*AuthCodeFlowState
	authCodes map[string]*AuthorizationCode
	clients   map[string]*RegisteredClient

	transport map[string]string // transport id -> session id
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions:       make(map[string]*Session),
		byAccessToken:  make(map[string]string),
		byRefreshToken: make(map[string]string),
		deviceFlows:    make(map[string]*DeviceFlowState),
		byUserCode:     make(map[string]string),
		byFlowState:    make(map[string]string),
		authFlows:      make(map[string]*AuthCodeFlowState),
		authCodes:      make(map[string]*AuthorizationCode),
		clients:        make(map[string]*RegisteredClient),
		transport:      make(map[string]string),
	}
}

var _ Backend = (*MemoryBackend)(nil)

// Initialize is a no-op for the memory backend.
func (b *MemoryBackend) Initialize(_ context.Context) error { return nil }

// Close is a no-op for the memory backend.
func (b *MemoryBackend) Close() error { return nil }

func (b *MemoryBackend) PutSession(_ context.Context, s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.sessions[s.ID]; ok {
		delete(b.byAccessToken, old.AccessToken)
		delete(b.byRefreshToken, old.RefreshToken)
	}
	b.sessions[s.ID] = s
	b.byAccessToken[s.AccessToken] = s.ID
	b.byRefreshToken[s.RefreshToken] = s.ID
	return nil
}

func (b *MemoryBackend) GetSession(_ context.Context, id string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[id], nil
}

func (b *MemoryBackend) GetSessionByAccessToken(_ context.Context, token string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[b.byAccessToken[token]], nil
}

func (b *MemoryBackend) GetSessionByRefreshToken(_ context.Context, token string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[b.byRefreshToken[token]], nil
}

func (b *MemoryBackend) ListSessions(_ context.Context) ([]*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (b *MemoryBackend) DeleteSession(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteSessionLocked(id)
	return nil
}

func (b *MemoryBackend) deleteSessionLocked(id string) {
	s, ok := b.sessions[id]
	if !ok {
		return
	}
	delete(b.byAccessToken, s.AccessToken)
	delete(b.byRefreshToken, s.RefreshToken)
	delete(b.sessions, id)
	for tid, sid := range b.transport {
		if sid == id {
			delete(b.transport, tid)
		}
	}
}

func (b *MemoryBackend) PutDeviceFlow(_ context.Context, f *DeviceFlowState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deviceFlows[f.DeviceCode] = f
	b.byUserCode[f.UserCode] = f.DeviceCode
	b.byFlowState[f.FlowState] = f.DeviceCode
	return nil
}

func (b *MemoryBackend) GetDeviceFlow(_ context.Context, deviceCode string) (*DeviceFlowState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deviceFlows[deviceCode], nil
}

func (b *MemoryBackend) GetDeviceFlowByUserCode(_ context.Context, userCode string) (*DeviceFlowState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deviceFlows[b.byUserCode[userCode]], nil
}

func (b *MemoryBackend) GetDeviceFlowByState(_ context.Context, flowState string) (*DeviceFlowState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.deviceFlows[b.byFlowState[flowState]], nil
}

func (b *MemoryBackend) ListDeviceFlows(_ context.Context) ([]*DeviceFlowState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*DeviceFlowState, 0, len(b.deviceFlows))
	for _, f := range b.deviceFlows {
		out = append(out, f)
	}
	return out, nil
}

func (b *MemoryBackend) DeleteDeviceFlow(_ context.Context, deviceCode string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteDeviceFlowLocked(deviceCode)
	return nil
}

func (b *MemoryBackend) deleteDeviceFlowLocked(deviceCode string) {
	f, ok := b.deviceFlows[deviceCode]
	if !ok {
		return
	}
	delete(b.byUserCode, f.UserCode)
	delete(b.byFlowState, f.FlowState)
	delete(b.deviceFlows, deviceCode)
}

func (b *MemoryBackend) PutAuthCodeFlow(_ context.Context, f *AuthCodeFlowState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authFlows[f.FlowState] = f
	return nil
}

func (b *MemoryBackend) GetAuthCodeFlow(_ context.Context, flowState string) (*AuthCodeFlowState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.authFlows[flowState], nil
}

func (b *MemoryBackend) ListAuthCodeFlows(_ context.Context) ([]*AuthCodeFlowState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*AuthCodeFlowState, 0, len(b.authFlows))
	for _, f := range b.authFlows {
		out = append(out, f)
	}
	return out, nil
}

func (b *MemoryBackend) DeleteAuthCodeFlow(_ context.Context, flowState string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.authFlows, flowState)
	return nil
}

func (b *MemoryBackend) PutAuthorizationCode(_ context.Context, c *AuthorizationCode) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authCodes[c.Code] = c
	return nil
}

func (b *MemoryBackend) GetAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.authCodes[code], nil
}

func (b *MemoryBackend) ListAuthorizationCodes(_ context.Context) ([]*AuthorizationCode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*AuthorizationCode, 0, len(b.authCodes))
	for _, c := range b.authCodes {
		out = append(out, c)
	}
	return out, nil
}

func (b *MemoryBackend) DeleteAuthorizationCode(_ context.Context, code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.authCodes, code)
	return nil
}

func (b *MemoryBackend) PutClient(_ context.Context, c *RegisteredClient) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c.ClientID] = c
	return nil
}

func (b *MemoryBackend) GetClient(_ context.Context, clientID string) (*RegisteredClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clients[clientID], nil
}

func (b *MemoryBackend) ListClients(_ context.Context) ([]*RegisteredClient, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*RegisteredClient, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c)
	}
	return out, nil
}

func (b *MemoryBackend) DeleteClient(_ context.Context, clientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, clientID)
	return nil
}

func (b *MemoryBackend) BindTransportSession(_ context.Context, transportID, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport[transportID] = sessionID
	return nil
}

func (b *MemoryBackend) GetTransportBinding(_ context.Context, transportID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.transport[transportID], nil
}

func (b *MemoryBackend) ListTransportBindings(_ context.Context) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.transport))
	for k, v := range b.transport {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryBackend) DeleteTransportBindings(_ context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tid, sid := range b.transport {
		if sid == sessionID {
			delete(b.transport, tid)
		}
	}
	return nil
}

func (b *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Sessions:           len(b.sessions),
		DeviceFlows:        len(b.deviceFlows),
		AuthCodeFlows:      len(b.authFlows),
		AuthorizationCodes: len(b.authCodes),
		Clients:            len(b.clients),
		TransportBindings:  len(b.transport),
	}, nil
}

func (b *MemoryBackend) Cleanup(_ context.Context, now time.Time, maxSessionAge time.Duration) (CleanupResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result CleanupResult

	for id, s := range b.sessions {
		if now.Sub(s.CreatedAt) > maxSessionAge {
			b.deleteSessionLocked(id)
			result.Sessions++
		}
	}
	for code, f := range b.deviceFlows {
		if now.After(f.ExpiresAt) {
			b.deleteDeviceFlowLocked(code)
			result.DeviceFlows++
		}
	}
	for state, f := range b.authFlows {
		if now.After(f.ExpiresAt) {
			delete(b.authFlows, state)
			result.AuthCodeFlows++
		}
	}
	for code, c := range b.authCodes {
		if now.After(c.ExpiresAt) {
			delete(b.authCodes, code)
			result.AuthorizationCodes++
		}
	}

	return result, nil
}
