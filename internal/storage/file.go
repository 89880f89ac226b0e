package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileDocument is the on-disk layout: one JSON document holding every
// artifact kind.
type fileDocument struct {
	Sessions           []*Session           `json:"sessions"`
	DeviceFlows        []*DeviceFlowState   `json:"device_flows"`
	AuthCodeFlows      []*AuthCodeFlowState `json:"auth_code_flows"`
	AuthorizationCodes []*AuthorizationCode `json:"authorization_codes"`
	Clients            []*RegisteredClient  `json:"clients"`
	TransportBindings  map[string]string    `json:"transport_bindings"`
}

// FileBackend layers restart survival on top of the in-memory backend by
// serializing the full artifact set to a single JSON file after every
// mutation. Suitable for single-process deployments only.
type FileBackend struct {
	mem  *MemoryBackend
	path string

	// flushMu serializes snapshot writes so concurrent mutations cannot
	// interleave partial documents.
	flushMu sync.Mutex
}

// NewFileBackend creates a file-backed store persisting to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{mem: NewMemoryBackend(), path: path}
}

var _ Backend = (*FileBackend)(nil)

// Initialize loads any existing snapshot. A missing file is not an error;
// it simply means a fresh store.
func (b *FileBackend) Initialize(ctx context.Context) error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading storage file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing storage file: %w", err)
	}

	for _, s := range doc.Sessions {
		if err := b.mem.PutSession(ctx, s); err != nil {
			return err
		}
	}
	for _, f := range doc.DeviceFlows {
		if err := b.mem.PutDeviceFlow(ctx, f); err != nil {
			return err
		}
	}
	for _, f := range doc.AuthCodeFlows {
		if err := b.mem.PutAuthCodeFlow(ctx, f); err != nil {
			return err
		}
	}
	for _, c := range doc.AuthorizationCodes {
		if err := b.mem.PutAuthorizationCode(ctx, c); err != nil {
			return err
		}
	}
	for _, c := range doc.Clients {
		if err := b.mem.PutClient(ctx, c); err != nil {
			return err
		}
	}
	for tid, sid := range doc.TransportBindings {
		if err := b.mem.BindTransportSession(ctx, tid, sid); err != nil {
			return err
		}
	}
	return nil
}

// Close writes a final snapshot and releases nothing else; the file handle
// is not held open between flushes.
func (b *FileBackend) Close() error {
	return b.flush(context.Background())
}

// flush serializes the complete artifact set and atomically replaces the
// snapshot file (write to temp, then rename).
func (b *FileBackend) flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	sessions, _ := b.mem.ListSessions(ctx)
	deviceFlows, _ := b.mem.ListDeviceFlows(ctx)
	authFlows, _ := b.mem.ListAuthCodeFlows(ctx)
	authCodes, _ := b.mem.ListAuthorizationCodes(ctx)
	clients, _ := b.mem.ListClients(ctx)
	bindings, _ := b.mem.ListTransportBindings(ctx)

	doc := fileDocument{
		Sessions:           sessions,
		DeviceFlows:        deviceFlows,
		AuthCodeFlows:      authFlows,
		AuthorizationCodes: authCodes,
		Clients:            clients,
		TransportBindings:  bindings,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling storage snapshot: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing storage snapshot: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replacing storage snapshot: %w", err)
	}
	return nil
}

func (b *FileBackend) PutSession(ctx context.Context, s *Session) error {
	if err := b.mem.PutSession(ctx, s); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) GetSession(ctx context.Context, id string) (*Session, error) {
	return b.mem.GetSession(ctx, id)
}

func (b *FileBackend) GetSessionByAccessToken(ctx context.Context, token string) (*Session, error) {
	return b.mem.GetSessionByAccessToken(ctx, token)
}

func (b *FileBackend) GetSessionByRefreshToken(ctx context.Context, token string) (*Session, error) {
	return b.mem.GetSessionByRefreshToken(ctx, token)
}

func (b *FileBackend) ListSessions(ctx context.Context) ([]*Session, error) {
	return b.mem.ListSessions(ctx)
}

func (b *FileBackend) DeleteSession(ctx context.Context, id string) error {
	if err := b.mem.DeleteSession(ctx, id); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) PutDeviceFlow(ctx context.Context, f *DeviceFlowState) error {
	if err := b.mem.PutDeviceFlow(ctx, f); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) GetDeviceFlow(ctx context.Context, deviceCode string) (*DeviceFlowState, error) {
	return b.mem.GetDeviceFlow(ctx, deviceCode)
}

func (b *FileBackend) GetDeviceFlowByUserCode(ctx context.Context, userCode string) (*DeviceFlowState, error) {
	return b.mem.GetDeviceFlowByUserCode(ctx, userCode)
}

func (b *FileBackend) GetDeviceFlowByState(ctx context.Context, flowState string) (*DeviceFlowState, error) {
	return b.mem.GetDeviceFlowByState(ctx, flowState)
}

func (b *FileBackend) ListDeviceFlows(ctx context.Context) ([]*DeviceFlowState, error) {
	return b.mem.ListDeviceFlows(ctx)
}

func (b *FileBackend) DeleteDeviceFlow(ctx context.Context, deviceCode string) error {
	if err := b.mem.DeleteDeviceFlow(ctx, deviceCode); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) PutAuthCodeFlow(ctx context.Context, f *AuthCodeFlowState) error {
	if err := b.mem.PutAuthCodeFlow(ctx, f); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) GetAuthCodeFlow(ctx context.Context, flowState string) (*AuthCodeFlowState, error) {
	return b.mem.GetAuthCodeFlow(ctx, flowState)
}

func (b *FileBackend) ListAuthCodeFlows(ctx context.Context) ([]*AuthCodeFlowState, error) {
	return b.mem.ListAuthCodeFlows(ctx)
}

func (b *FileBackend) DeleteAuthCodeFlow(ctx context.Context, flowState string) error {
	if err := b.mem.DeleteAuthCodeFlow(ctx, flowState); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) PutAuthorizationCode(ctx context.Context, c *AuthorizationCode) error {
	if err := b.mem.PutAuthorizationCode(ctx, c); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	return b.mem.GetAuthorizationCode(ctx, code)
}

func (b *FileBackend) ListAuthorizationCodes(ctx context.Context) ([]*AuthorizationCode, error) {
	return b.mem.ListAuthorizationCodes(ctx)
}

func (b *FileBackend) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := b.mem.DeleteAuthorizationCode(ctx, code); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) PutClient(ctx context.Context, c *RegisteredClient) error {
	if err := b.mem.PutClient(ctx, c); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) GetClient(ctx context.Context, clientID string) (*RegisteredClient, error) {
	return b.mem.GetClient(ctx, clientID)
}

func (b *FileBackend) ListClients(ctx context.Context) ([]*RegisteredClient, error) {
	return b.mem.ListClients(ctx)
}

func (b *FileBackend) DeleteClient(ctx context.Context, clientID string) error {
	if err := b.mem.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) BindTransportSession(ctx context.Context, transportID, sessionID string) error {
	if err := b.mem.BindTransportSession(ctx, transportID, sessionID); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) GetTransportBinding(ctx context.Context, transportID string) (string, error) {
	return b.mem.GetTransportBinding(ctx, transportID)
}

func (b *FileBackend) ListTransportBindings(ctx context.Context) (map[string]string, error) {
	return b.mem.ListTransportBindings(ctx)
}

func (b *FileBackend) DeleteTransportBindings(ctx context.Context, sessionID string) error {
	if err := b.mem.DeleteTransportBindings(ctx, sessionID); err != nil {
		return err
	}
	return b.flush(ctx)
}

func (b *FileBackend) Stats(ctx context.Context) (Stats, error) {
	return b.mem.Stats(ctx)
}

func (b *FileBackend) Cleanup(ctx context.Context, now time.Time, maxSessionAge time.Duration) (CleanupResult, error) {
	result, err := b.mem.Cleanup(ctx, now, maxSessionAge)
	if err != nil {
		return CleanupResult{}, err
	}
	if result.Total() > 0 {
		if err := b.flush(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}
