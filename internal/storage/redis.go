package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix      = "session:"
	sessionTokenPrefix = "session:at:"
	sessionRefPrefix   = "session:rt:"
	devicePrefix       = "device:"
	deviceUserPrefix   = "device:user:"
	deviceStatePrefix  = "device:state:"
	authFlowPrefix     = "authflow:"
	authCodePrefix     = "authcode:"
	clientPrefix       = "client:"
	transportHashKey   = "transport"

	sessionSetKey  = "sessions"
	deviceSetKey   = "devices"
	authFlowSetKey = "authflows"
	authCodeSetKey = "authcodes"
	clientSetKey   = "clients"

	// Records keep a Redis TTL with slack past their logical expiry so
	// strays are eventually collected even if a cleanup pass never runs.
	ttlSlack = time.Hour
)

// RedisBackend persists artifacts in Redis, one JSON value per record with
// reference keys for every secondary lookup. Suitable when several gateway
// processes must share authorization state.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a Redis-backed store around an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

var _ Backend = (*RedisBackend)(nil)

// Initialize verifies connectivity.
func (b *RedisBackend) Initialize(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) setJSON(ctx context.Context, pipe redis.Pipeliner, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	pipe.Set(ctx, key, data, ttl)
	return nil
}

func (b *RedisBackend) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("getting %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return true, nil
}

func recordTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + ttlSlack
	if ttl < ttlSlack {
		ttl = ttlSlack
	}
	return ttl
}

func (b *RedisBackend) PutSession(ctx context.Context, s *Session) error {
	old, err := b.GetSession(ctx, s.ID)
	if err != nil {
		return err
	}

	pipe := b.client.Pipeline()
	if old != nil {
		if old.AccessToken != s.AccessToken {
			pipe.Del(ctx, sessionTokenPrefix+old.AccessToken)
		}
		if old.RefreshToken != s.RefreshToken {
			pipe.Del(ctx, sessionRefPrefix+old.RefreshToken)
		}
	}
	if err := b.setJSON(ctx, pipe, sessionPrefix+s.ID, s, 0); err != nil {
		return err
	}
	pipe.Set(ctx, sessionTokenPrefix+s.AccessToken, s.ID, 0)
	pipe.Set(ctx, sessionRefPrefix+s.RefreshToken, s.ID, 0)
	pipe.SAdd(ctx, sessionSetKey, s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (b *RedisBackend) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	ok, err := b.getJSON(ctx, sessionPrefix+id, &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func (b *RedisBackend) getSessionByRef(ctx context.Context, refKey string) (*Session, error) {
	id, err := b.client.Get(ctx, refKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session reference: %w", err)
	}
	return b.GetSession(ctx, id)
}

func (b *RedisBackend) GetSessionByAccessToken(ctx context.Context, token string) (*Session, error) {
	return b.getSessionByRef(ctx, sessionTokenPrefix+token)
}

func (b *RedisBackend) GetSessionByRefreshToken(ctx context.Context, token string) (*Session, error) {
	return b.getSessionByRef(ctx, sessionRefPrefix+token)
}

func (b *RedisBackend) ListSessions(ctx context.Context) ([]*Session, error) {
	ids, err := b.client.SMembers(ctx, sessionSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing session ids: %w", err)
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := b.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *RedisBackend) DeleteSession(ctx context.Context, id string) error {
	s, err := b.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	pipe := b.client.Pipeline()
	pipe.Del(ctx, sessionPrefix+id, sessionTokenPrefix+s.AccessToken, sessionRefPrefix+s.RefreshToken)
	pipe.SRem(ctx, sessionSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return b.DeleteTransportBindings(ctx, id)
}

func (b *RedisBackend) PutDeviceFlow(ctx context.Context, f *DeviceFlowState) error {
	ttl := recordTTL(f.ExpiresAt)
	pipe := b.client.Pipeline()
	if err := b.setJSON(ctx, pipe, devicePrefix+f.DeviceCode, f, ttl); err != nil {
		return err
	}
	pipe.Set(ctx, deviceUserPrefix+f.UserCode, f.DeviceCode, ttl)
	pipe.Set(ctx, deviceStatePrefix+f.FlowState, f.DeviceCode, ttl)
	pipe.SAdd(ctx, deviceSetKey, f.DeviceCode)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving device flow: %w", err)
	}
	return nil
}

func (b *RedisBackend) GetDeviceFlow(ctx context.Context, deviceCode string) (*DeviceFlowState, error) {
	var f DeviceFlowState
	ok, err := b.getJSON(ctx, devicePrefix+deviceCode, &f)
	if err != nil || !ok {
		return nil, err
	}
	return &f, nil
}

func (b *RedisBackend) getDeviceFlowByRef(ctx context.Context, refKey string) (*DeviceFlowState, error) {
	code, err := b.client.Get(ctx, refKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting device flow reference: %w", err)
	}
	return b.GetDeviceFlow(ctx, code)
}

func (b *RedisBackend) GetDeviceFlowByUserCode(ctx context.Context, userCode string) (*DeviceFlowState, error) {
	return b.getDeviceFlowByRef(ctx, deviceUserPrefix+userCode)
}

func (b *RedisBackend) GetDeviceFlowByState(ctx context.Context, flowState string) (*DeviceFlowState, error) {
	return b.getDeviceFlowByRef(ctx, deviceStatePrefix+flowState)
}

func (b *RedisBackend) ListDeviceFlows(ctx context.Context) ([]*DeviceFlowState, error) {
	codes, err := b.client.SMembers(ctx, deviceSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing device flows: %w", err)
	}
	out := make([]*DeviceFlowState, 0, len(codes))
	for _, code := range codes {
		f, err := b.GetDeviceFlow(ctx, code)
		if err != nil {
			return nil, err
		}
		if f != nil {
			out = append(out, f)
		}
	}
	return out, nil
}

func (b *RedisBackend) DeleteDeviceFlow(ctx context.Context, deviceCode string) error {
	f, err := b.GetDeviceFlow(ctx, deviceCode)
	if err != nil {
		return err
	}
	pipe := b.client.Pipeline()
	pipe.Del(ctx, devicePrefix+deviceCode)
	if f != nil {
		pipe.Del(ctx, deviceUserPrefix+f.UserCode, deviceStatePrefix+f.FlowState)
	}
	pipe.SRem(ctx, deviceSetKey, deviceCode)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting device flow: %w", err)
	}
	return nil
}

func (b *RedisBackend) PutAuthCodeFlow(ctx context.Context, f *AuthCodeFlowState) error {
	pipe := b.client.Pipeline()
	if err := b.setJSON(ctx, pipe, authFlowPrefix+f.FlowState, f, recordTTL(f.ExpiresAt)); err != nil {
		return err
	}
	pipe.SAdd(ctx, authFlowSetKey, f.FlowState)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving auth code flow: %w", err)
	}
	return nil
}

func (b *RedisBackend) GetAuthCodeFlow(ctx context.Context, flowState string) (*AuthCodeFlowState, error) {
	var f AuthCodeFlowState
	ok, err := b.getJSON(ctx, authFlowPrefix+flowState, &f)
	if err != nil || !ok {
		return nil, err
	}
	return &f, nil
}

func (b *RedisBackend) ListAuthCodeFlows(ctx context.Context) ([]*AuthCodeFlowState, error) {
	states, err := b.client.SMembers(ctx, authFlowSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing auth code flows: %w", err)
	}
	out := make([]*AuthCodeFlowState, 0, len(states))
	for _, state := range states {
		f, err := b.GetAuthCodeFlow(ctx, state)
		if err != nil {
			return nil, err
		}
		if f != nil {
			out = append(out, f)
		}
	}
	return out, nil
}

func (b *RedisBackend) DeleteAuthCodeFlow(ctx context.Context, flowState string) error {
	pipe := b.client.Pipeline()
	pipe.Del(ctx, authFlowPrefix+flowState)
	pipe.SRem(ctx, authFlowSetKey, flowState)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting auth code flow: %w", err)
	}
	return nil
}

func (b *RedisBackend) PutAuthorizationCode(ctx context.Context, c *AuthorizationCode) error {
	pipe := b.client.Pipeline()
	if err := b.setJSON(ctx, pipe, authCodePrefix+c.Code, c, recordTTL(c.ExpiresAt)); err != nil {
		return err
	}
	pipe.SAdd(ctx, authCodeSetKey, c.Code)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving authorization code: %w", err)
	}
	return nil
}

func (b *RedisBackend) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var c AuthorizationCode
	ok, err := b.getJSON(ctx, authCodePrefix+code, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (b *RedisBackend) ListAuthorizationCodes(ctx context.Context) ([]*AuthorizationCode, error) {
	codes, err := b.client.SMembers(ctx, authCodeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing authorization codes: %w", err)
	}
	out := make([]*AuthorizationCode, 0, len(codes))
	for _, code := range codes {
		c, err := b.GetAuthorizationCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *RedisBackend) DeleteAuthorizationCode(ctx context.Context, code string) error {
	pipe := b.client.Pipeline()
	pipe.Del(ctx, authCodePrefix+code)
	pipe.SRem(ctx, authCodeSetKey, code)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting authorization code: %w", err)
	}
	return nil
}

func (b *RedisBackend) PutClient(ctx context.Context, c *RegisteredClient) error {
	pipe := b.client.Pipeline()
	if err := b.setJSON(ctx, pipe, clientPrefix+c.ClientID, c, 0); err != nil {
		return err
	}
	pipe.SAdd(ctx, clientSetKey, c.ClientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving client: %w", err)
	}
	return nil
}

func (b *RedisBackend) GetClient(ctx context.Context, clientID string) (*RegisteredClient, error) {
	var c RegisteredClient
	ok, err := b.getJSON(ctx, clientPrefix+clientID, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (b *RedisBackend) ListClients(ctx context.Context) ([]*RegisteredClient, error) {
	ids, err := b.client.SMembers(ctx, clientSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	out := make([]*RegisteredClient, 0, len(ids))
	for _, id := range ids {
		c, err := b.GetClient(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *RedisBackend) DeleteClient(ctx context.Context, clientID string) error {
	pipe := b.client.Pipeline()
	pipe.Del(ctx, clientPrefix+clientID)
	pipe.SRem(ctx, clientSetKey, clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	return nil
}

func (b *RedisBackend) BindTransportSession(ctx context.Context, transportID, sessionID string) error {
	if err := b.client.HSet(ctx, transportHashKey, transportID, sessionID).Err(); err != nil {
		return fmt.Errorf("binding transport session: %w", err)
	}
	return nil
}

func (b *RedisBackend) GetTransportBinding(ctx context.Context, transportID string) (string, error) {
	sessionID, err := b.client.HGet(ctx, transportHashKey, transportID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("getting transport binding: %w", err)
	}
	return sessionID, nil
}

func (b *RedisBackend) ListTransportBindings(ctx context.Context) (map[string]string, error) {
	out, err := b.client.HGetAll(ctx, transportHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing transport bindings: %w", err)
	}
	return out, nil
}

func (b *RedisBackend) DeleteTransportBindings(ctx context.Context, sessionID string) error {
	all, err := b.ListTransportBindings(ctx)
	if err != nil {
		return err
	}
	var fields []string
	for tid, sid := range all {
		if sid == sessionID {
			fields = append(fields, tid)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if err := b.client.HDel(ctx, transportHashKey, fields...).Err(); err != nil {
		return fmt.Errorf("deleting transport bindings: %w", err)
	}
	return nil
}

func (b *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	counts := []struct {
		key string
		dst *int
	}{
		{sessionSetKey, &stats.Sessions},
		{deviceSetKey, &stats.DeviceFlows},
		{authFlowSetKey, &stats.AuthCodeFlows},
		{authCodeSetKey, &stats.AuthorizationCodes},
		{clientSetKey, &stats.Clients},
	}
	for _, c := range counts {
		n, err := b.client.SCard(ctx, c.key).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("counting %s: %w", c.key, err)
		}
		*c.dst = int(n)
	}
	n, err := b.client.HLen(ctx, transportHashKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("counting transport bindings: %w", err)
	}
	stats.TransportBindings = int(n)
	return stats, nil
}

func (b *RedisBackend) Cleanup(ctx context.Context, now time.Time, maxSessionAge time.Duration) (CleanupResult, error) {
	var result CleanupResult

	sessions, err := b.ListSessions(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	for _, s := range sessions {
		if now.Sub(s.CreatedAt) > maxSessionAge {
			if err := b.DeleteSession(ctx, s.ID); err != nil {
				return result, err
			}
			result.Sessions++
		}
	}

	deviceFlows, err := b.ListDeviceFlows(ctx)
	if err != nil {
		return result, err
	}
	for _, f := range deviceFlows {
		if now.After(f.ExpiresAt) {
			if err := b.DeleteDeviceFlow(ctx, f.DeviceCode); err != nil {
				return result, err
			}
			result.DeviceFlows++
		}
	}

	authFlows, err := b.ListAuthCodeFlows(ctx)
	if err != nil {
		return result, err
	}
	for _, f := range authFlows {
		if now.After(f.ExpiresAt) {
			if err := b.DeleteAuthCodeFlow(ctx, f.FlowState); err != nil {
				return result, err
			}
			result.AuthCodeFlows++
		}
	}

	authCodes, err := b.ListAuthorizationCodes(ctx)
	if err != nil {
		return result, err
	}
	for _, c := range authCodes {
		if now.After(c.ExpiresAt) {
			if err := b.DeleteAuthorizationCode(ctx, c.Code); err != nil {
				return result, err
			}
			result.AuthorizationCodes++
		}
	}

	return result, nil
}
