package deviceflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/taskbridge/taskbridge/internal/clients"
	"github.com/taskbridge/taskbridge/internal/storage"
	"github.com/taskbridge/taskbridge/internal/store"
	"github.com/taskbridge/taskbridge/internal/tokens"
	"github.com/taskbridge/taskbridge/internal/upstream"
	"github.com/taskbridge/taskbridge/internal/validation"
)

func newFlowFixture(t *testing.T, opts ...Option) (*Flow, *store.Store) {
	t.Helper()

	st := store.New(storage.NewMemoryBackend(), store.WithCleanupInterval(time.Hour))
	if err := st.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "up-access",
			"refresh_token": "up-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "u-1", "username": "alice"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	provider, err := upstream.NewProvider(upstream.Config{
		ClientID:              "up-client",
		AuthorizationEndpoint: srv.URL + "/authorize",
		TokenEndpoint:         srv.URL + "/token",
		UserInfoEndpoint:      srv.URL + "/userinfo",
		CallbackURL:           "https://server.example.com/oauth/callback",
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	issuer, err := tokens.NewIssuer("https://server.example.com", []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	opts = append([]Option{WithScopes([]string{"read", "write"})}, opts...)
	return NewFlow(st, clients.NewRegistry(st), provider, issuer, "https://server.example.com", opts...), st
}

var deviceCodePattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestStart(t *testing.T) {
	flow, st := newFlowFixture(t)

	resp, err := flow.Start(context.Background(), StartRequest{ClientID: "c-1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if !deviceCodePattern.MatchString(resp.DeviceCode) {
		t.Errorf("device code %q is not 64 hex chars", resp.DeviceCode)
	}
	if err := validation.ValidateUserCode(resp.UserCode); err != nil {
		t.Errorf("user code %q invalid: %v", resp.UserCode, err)
	}
	if !strings.Contains(resp.UserCode, "-") {
		t.Errorf("user code %q not in display format", resp.UserCode)
	}
	if resp.VerificationURI != "https://server.example.com/oauth/device/verify" {
		t.Errorf("verification URI = %q", resp.VerificationURI)
	}
	if !strings.HasPrefix(resp.VerificationURIComplete, resp.VerificationURI+"?code=") {
		t.Errorf("verification URI complete = %q", resp.VerificationURIComplete)
	}
	if resp.Interval < 5 {
		t.Errorf("interval = %d, want at least 5", resp.Interval)
	}
	if resp.ExpiresIn < int(MinExpiryDuration.Seconds()) {
		t.Errorf("expires_in = %d, below RFC minimum", resp.ExpiresIn)
	}

	stored := st.GetDeviceFlow(resp.DeviceCode)
	if stored == nil {
		t.Fatal("flow state not stored")
	}
	if stored.UserCode != validation.NormalizeCode(resp.UserCode) {
		t.Errorf("stored user code %q is not normalized", stored.UserCode)
	}
}

func TestExpiryFloor(t *testing.T) {
	flow, _ := newFlowFixture(t, WithExpiryDuration(time.Minute), WithPollInterval(time.Second))
	if flow.expiry < MinExpiryDuration {
		t.Errorf("expiry %v below RFC minimum", flow.expiry)
	}
	if flow.interval < MinPollInterval {
		t.Errorf("interval %v below minimum", flow.interval)
	}
}

func TestVerifyUserCode(t *testing.T) {
	flow, st := newFlowFixture(t)
	resp, err := flow.Start(context.Background(), StartRequest{ClientID: "c-1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	authURL, err := flow.VerifyUserCode(context.Background(), resp.UserCode)
	if err != nil {
		t.Fatalf("VerifyUserCode() error = %v", err)
	}
	stored := st.GetDeviceFlow(resp.DeviceCode)
	if !strings.Contains(authURL, "state="+stored.FlowState) {
		t.Errorf("auth URL %q missing flow state", authURL)
	}

	if _, err := flow.VerifyUserCode(context.Background(), "BCDF-GHJK"); !errors.Is(err, ErrInvalidUserCode) {
		t.Errorf("unknown code error = %v, want ErrInvalidUserCode", err)
	}
	if _, err := flow.VerifyUserCode(context.Background(), "not a code"); !errors.Is(err, ErrInvalidUserCode) {
		t.Errorf("malformed code error = %v, want ErrInvalidUserCode", err)
	}
}

func TestVerifyUserCodeExpired(t *testing.T) {
	flow, st := newFlowFixture(t)
	st.CreateDeviceFlow(&storage.DeviceFlowState{
		DeviceCode: "dev-1",
		UserCode:   "BCDFGHJK",
		FlowState:  "st-1",
		ExpiresAt:  time.Now().Add(-time.Minute),
	})

	if _, err := flow.VerifyUserCode(context.Background(), "BCDF-GHJK"); !errors.Is(err, ErrExpiredCode) {
		t.Errorf("error = %v, want ErrExpiredCode", err)
	}
	if st.GetDeviceFlow("dev-1") != nil {
		t.Error("expired flow not deleted on verification")
	}
}

func TestPollLifecycle(t *testing.T) {
	flow, st := newFlowFixture(t, WithPollInterval(5*time.Second))
	ctx := context.Background()

	resp, err := flow.Start(ctx, StartRequest{ClientID: "c-1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Pending until the user completes the out-of-band flow.
	if _, err := flow.Poll(ctx, resp.DeviceCode, "", "", ""); !errors.Is(err, ErrPendingAuthorization) {
		t.Fatalf("poll before authorization error = %v, want ErrPendingAuthorization", err)
	}

	// An immediate second poll violates the interval.
	if _, err := flow.Poll(ctx, resp.DeviceCode, "", "", ""); !errors.Is(err, ErrSlowDown) {
		t.Fatalf("rapid second poll error = %v, want ErrSlowDown", err)
	}

	stored := st.GetDeviceFlow(resp.DeviceCode)
	if err := flow.CompleteAuthorization(ctx, stored.FlowState, "upstream-code"); err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}

	// Back the poll clock off so the interval check passes.
	st.TouchDeviceFlowPoll(resp.DeviceCode, time.Now().Add(-time.Minute))

	tokenResp, err := flow.Poll(ctx, resp.DeviceCode, "", "", "")
	if err != nil {
		t.Fatalf("poll after authorization error = %v", err)
	}
	if tokenResp.AccessToken == "" || tokenResp.RefreshToken == "" {
		t.Errorf("token response = %+v, want full pair", tokenResp)
	}
	if tokenResp.Scope != "read write" {
		t.Errorf("scope = %q, want %q", tokenResp.Scope, "read write")
	}

	sess := st.GetSessionByToken(tokenResp.AccessToken)
	if sess == nil {
		t.Fatal("issued access token does not resolve to a session")
	}
	if sess.Username != "alice" || sess.UpstreamAccessToken != "up-access" {
		t.Errorf("session = %+v, want upstream identity bound", sess)
	}

	// Consumed: the flow is gone and the device code never redeems again.
	if _, err := flow.Poll(ctx, resp.DeviceCode, "", "", ""); !errors.Is(err, ErrInvalidDeviceCode) {
		t.Errorf("poll after consumption error = %v, want ErrInvalidDeviceCode", err)
	}
}

func TestPollSlowDownKeepsWindow(t *testing.T) {
	flow, st := newFlowFixture(t, WithPollInterval(5*time.Second))
	ctx := context.Background()

	resp, err := flow.Start(ctx, StartRequest{ClientID: "c-1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	last := time.Now().Add(-4 * time.Second)
	st.TouchDeviceFlowPoll(resp.DeviceCode, last)

	if _, err := flow.Poll(ctx, resp.DeviceCode, "", "", ""); !errors.Is(err, ErrSlowDown) {
		t.Fatalf("poll inside interval error = %v, want ErrSlowDown", err)
	}

	// A rejected poll must not restart the interval window, or a device
	// polling slightly too fast would never recover.
	if got := st.GetDeviceFlow(resp.DeviceCode).LastPoll; !got.Equal(last) {
		t.Errorf("LastPoll = %v after slow_down, want %v unchanged", got, last)
	}

	st.TouchDeviceFlowPoll(resp.DeviceCode, time.Now().Add(-6*time.Second))
	if _, err := flow.Poll(ctx, resp.DeviceCode, "", "", ""); !errors.Is(err, ErrPendingAuthorization) {
		t.Fatalf("poll outside interval error = %v, want ErrPendingAuthorization", err)
	}
	if got := st.GetDeviceFlow(resp.DeviceCode).LastPoll; !got.After(last) {
		t.Error("accepted poll did not stamp the interval window")
	}
}

func TestPollEnforcesClientRegistration(t *testing.T) {
	flow, st := newFlowFixture(t)
	ctx := context.Background()

	registry := clients.NewRegistry(st)
	client, err := registry.Register(clients.Metadata{
		RedirectURIs:            []string{"https://client.example.com/cb"},
		TokenEndpointAuthMethod: "client_secret_post",
		GrantTypes:              []string{GrantTypeDeviceCode},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	resp, err := flow.Start(ctx, StartRequest{ClientID: client.ClientID})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := flow.Poll(ctx, resp.DeviceCode, "", "", ""); !errors.Is(err, clients.ErrInvalidClientCredentials) {
		t.Fatalf("unauthenticated poll error = %v, want ErrInvalidClientCredentials", err)
	}
	if _, err := flow.Poll(ctx, resp.DeviceCode, "", client.ClientID, "not-the-secret"); !errors.Is(err, clients.ErrInvalidClientCredentials) {
		t.Fatalf("wrong-secret poll error = %v, want ErrInvalidClientCredentials", err)
	}

	// Authenticated polls proceed to the normal pending answer.
	if _, err := flow.Poll(ctx, resp.DeviceCode, "", client.ClientID, client.ClientSecret); !errors.Is(err, ErrPendingAuthorization) {
		t.Errorf("authenticated poll error = %v, want ErrPendingAuthorization", err)
	}
}

func TestPollExpired(t *testing.T) {
	flow, st := newFlowFixture(t)
	st.CreateDeviceFlow(&storage.DeviceFlowState{
		DeviceCode: "dev-1",
		UserCode:   "BCDFGHJK",
		FlowState:  "st-1",
		ExpiresAt:  time.Now().Add(-time.Minute),
	})

	if _, err := flow.Poll(context.Background(), "dev-1", "", "", ""); !errors.Is(err, ErrExpiredCode) {
		t.Errorf("error = %v, want ErrExpiredCode", err)
	}
	if st.GetDeviceFlow("dev-1") != nil {
		t.Error("expired flow not deleted on poll")
	}
}

func TestDeny(t *testing.T) {
	flow, st := newFlowFixture(t)
	ctx := context.Background()

	resp, err := flow.Start(ctx, StartRequest{ClientID: "c-1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stored := st.GetDeviceFlow(resp.DeviceCode)

	if err := flow.Deny(ctx, stored.FlowState); err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	if _, err := flow.Poll(ctx, resp.DeviceCode, "", "", ""); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("poll after denial error = %v, want ErrAccessDenied", err)
	}
	if st.GetDeviceFlow(resp.DeviceCode) != nil {
		t.Error("denied flow not deleted after the poll that reported it")
	}

	if err := flow.Deny(ctx, "unknown-state"); !errors.Is(err, ErrInvalidFlowState) {
		t.Errorf("Deny(unknown) error = %v, want ErrInvalidFlowState", err)
	}
}

func TestPollEnforcesPKCE(t *testing.T) {
	flow, st := newFlowFixture(t)
	ctx := context.Background()

	verifier := "device-verifier-with-plenty-of-entropy-0123456789"
	resp, err := flow.Start(ctx, StartRequest{
		ClientID:            "c-1",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: tokens.PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stored := st.GetDeviceFlow(resp.DeviceCode)
	if err := flow.CompleteAuthorization(ctx, stored.FlowState, "upstream-code"); err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}

	if _, err := flow.Poll(ctx, resp.DeviceCode, "the-wrong-verifier", "", ""); !errors.Is(err, tokens.ErrPKCEMismatch) {
		t.Fatalf("poll with wrong verifier error = %v, want ErrPKCEMismatch", err)
	}

	// The mismatch must not consume the flow; the right verifier succeeds.
	st.TouchDeviceFlowPoll(resp.DeviceCode, time.Now().Add(-time.Minute))
	if _, err := flow.Poll(ctx, resp.DeviceCode, verifier, "", ""); err != nil {
		t.Errorf("poll with right verifier error = %v", err)
	}
}

func TestGenerateUserCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := generateUserCode()
		if err != nil {
			t.Fatalf("generateUserCode() error = %v", err)
		}
		if err := validation.ValidateUserCode(code); err != nil {
			t.Fatalf("generated code %q invalid: %v", code, err)
		}
		seen[code] = true
	}
	if len(seen) < 45 {
		t.Errorf("only %d distinct codes out of 50", len(seen))
	}
}
