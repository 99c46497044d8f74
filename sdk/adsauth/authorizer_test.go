package adsauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/adkit-go/adkit/internal/auth/lwa"
)

// newTestAuthorizer wires an authorizer against a stubbed token endpoint and
// an ephemeral callback port.
func newTestAuthorizer(t *testing.T, stub *tokenEndpointStub, store TokenStore, opts ...AuthorizerOption) *Authorizer {
	t.Helper()
	client, err := lwa.NewClient("cid", "secret", "")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	manager := NewTokenManager(store, client, WithTokenEndpoint(stub.server.URL))
	opts = append([]AuthorizerOption{WithCallbackPort(0)}, opts...)
	return NewAuthorizer(manager, client, []string{"advertising::campaign_management"}, opts...)
}

// parseAuthURL extracts the redirect port and state from an authorization URL.
func parseAuthURL(t *testing.T, authURL string) (port int, state string) {
	t.Helper()
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("auth URL does not parse: %v", err)
	}
	query := parsed.Query()

	redirect, err := url.Parse(query.Get("redirect_uri"))
	if err != nil {
		t.Fatalf("redirect_uri does not parse: %v", err)
	}
	port, err = strconv.Atoi(redirect.Port())
	if err != nil {
		t.Fatalf("redirect_uri has no port: %v", err)
	}
	return port, query.Get("state")
}

// freePort grabs an OS-assigned port and releases it for reuse as a fixed port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestInitiateAuthorization_URLShape(t *testing.T) {
	stub := newTokenEndpointStub(t, respondTokens("at", 3600, "rt"))
	authorizer := newTestAuthorizer(t, stub, NewMemoryTokenStore())
	defer authorizer.CancelAuthorization(Europe)

	authURL, err := authorizer.InitiateAuthorization(Europe)
	if err != nil {
		t.Fatalf("InitiateAuthorization failed: %v", err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("auth URL does not parse: %v", err)
	}
	if got := parsed.Scheme + "://" + parsed.Host + parsed.Path; got != Europe.AuthorizationEndpoint() {
		t.Fatalf("auth URL base = %q, want %q", got, Europe.AuthorizationEndpoint())
	}

	query := parsed.Query()
	if query.Get("response_type") != "code" {
		t.Fatalf("response_type = %q", query.Get("response_type"))
	}
	if query.Get("code_challenge_method") != "S256" {
		t.Fatalf("code_challenge_method = %q", query.Get("code_challenge_method"))
	}
	if query.Get("code_challenge") == "" || query.Get("state") == "" {
		t.Fatal("auth URL missing code_challenge or state")
	}
}

func TestInitiateAuthorization_UnknownRegion(t *testing.T) {
	stub := newTokenEndpointStub(t, respondTokens("at", 3600, "rt"))
	authorizer := newTestAuthorizer(t, stub, NewMemoryTokenStore())

	if _, err := authorizer.InitiateAuthorization(Region("ap")); err == nil {
		t.Fatal("expected error for unknown region")
	}
}

func TestInitiateAuthorization_ReplacesPriorSession(t *testing.T) {
	stub := newTokenEndpointStub(t, respondTokens("at", 3600, "rt"))
	port := freePort(t)
	authorizer := newTestAuthorizer(t, stub, NewMemoryTokenStore(), WithCallbackPort(port))
	defer authorizer.CancelAuthorization(NorthAmerica)

	if _, err := authorizer.InitiateAuthorization(NorthAmerica); err != nil {
		t.Fatalf("first InitiateAuthorization failed: %v", err)
	}

	// The second flow reuses the same fixed port; the first session must be
	// fully torn down before the new listener binds.
	if _, err := authorizer.InitiateAuthorization(NorthAmerica); err != nil {
		t.Fatalf("second InitiateAuthorization failed: %v", err)
	}
}

func TestCancelAuthorization_FreesPortAndUnblocksWaiter(t *testing.T) {
	stub := newTokenEndpointStub(t, respondTokens("at", 3600, "rt"))
	port := freePort(t)
	authorizer := newTestAuthorizer(t, stub, NewMemoryTokenStore(), WithCallbackPort(port))

	if _, err := authorizer.InitiateAuthorization(FarEast); err != nil {
		t.Fatalf("InitiateAuthorization failed: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- authorizer.AwaitCompletion(context.Background(), FarEast)
	}()
	// Give the waiter a moment to attach to the live session.
	time.Sleep(50 * time.Millisecond)

	authorizer.CancelAuthorization(FarEast)

	select {
	case err := <-waitErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("AwaitCompletion after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitCompletion did not unblock after cancellation")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port %d not released after cancellation: %v", port, err)
	}
	_ = ln.Close()

	// Cancelling again with no session in flight is a no-op.
	authorizer.CancelAuthorization(FarEast)
}

func TestAuthorization_TimeoutReleasesPort(t *testing.T) {
	stub := newTokenEndpointStub(t, respondTokens("at", 3600, "rt"))
	port := freePort(t)
	authorizer := newTestAuthorizer(t, stub, NewMemoryTokenStore(),
		WithCallbackPort(port), WithAuthTimeout(150*time.Millisecond))

	if _, err := authorizer.InitiateAuthorization(Europe); err != nil {
		t.Fatalf("InitiateAuthorization failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := authorizer.AwaitCompletion(ctx, Europe); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitCompletion after timeout = %v, want context.DeadlineExceeded", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			_ = ln.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("port %d still bound after timeout", port)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestAuthorization_EndToEnd(t *testing.T) {
	stub := newTokenEndpointStub(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q, want authorization_code", got)
		}
		if got := r.PostForm.Get("code"); got != "E2E-CODE" {
			t.Errorf("code = %q, want E2E-CODE", got)
		}
		if r.PostForm.Get("code_verifier") == "" {
			t.Error("code_verifier missing from exchange request")
		}
		respondTokens("at-e2e", 3600, "rt-e2e")(w, r)
	})
	store := NewMemoryTokenStore()
	authorizer := newTestAuthorizer(t, stub, store)

	authURL, err := authorizer.InitiateAuthorization(NorthAmerica)
	if err != nil {
		t.Fatalf("InitiateAuthorization failed: %v", err)
	}
	port, state := parseAuthURL(t, authURL)

	manager := authorizer.tokens
	if manager.IsAuthenticated(context.Background(), NorthAmerica) {
		t.Fatal("authenticated before the flow completed")
	}

	// Simulate the browser redirect.
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/callback?code=E2E-CODE&state=%s", port, state))
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback response status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = authorizer.AwaitCompletion(ctx, NorthAmerica); err != nil {
		t.Fatalf("AwaitCompletion failed: %v", err)
	}

	if !manager.IsAuthenticated(context.Background(), NorthAmerica) {
		t.Fatal("expected authenticated after successful exchange")
	}
	access, err := store.Retrieve(context.Background(), NorthAmerica, KeyAccessToken)
	if err != nil || access != "at-e2e" {
		t.Fatalf("access token = %q, %v, want at-e2e", access, err)
	}
	refresh, err := store.Retrieve(context.Background(), NorthAmerica, KeyRefreshToken)
	if err != nil || refresh != "rt-e2e" {
		t.Fatalf("refresh token = %q, %v, want rt-e2e", refresh, err)
	}
}

func TestAuthorization_CallbackDenied(t *testing.T) {
	stub := newTokenEndpointStub(t, respondTokens("at", 3600, "rt"))
	store := NewMemoryTokenStore()
	authorizer := newTestAuthorizer(t, stub, store)

	authURL, err := authorizer.InitiateAuthorization(Europe)
	if err != nil {
		t.Fatalf("InitiateAuthorization failed: %v", err)
	}
	port, _ := parseAuthURL(t, authURL)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/callback?error=access_denied&error_description=User%%20cancelled", port))
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = authorizer.AwaitCompletion(ctx, Europe)

	var oauthErr *lwa.OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("expected *lwa.OAuthError, got %v", err)
	}
	if oauthErr.Code != "access_denied" {
		t.Fatalf("error code = %q, want access_denied", oauthErr.Code)
	}
	if manager := authorizer.tokens; manager.IsAuthenticated(context.Background(), Europe) {
		t.Fatal("authenticated after denied flow")
	}
	if stub.count() != 0 {
		t.Fatalf("expected no exchange call after denial, got %d", stub.count())
	}
}

func TestAwaitCompletion_OutcomeRetainedAfterFastFailure(t *testing.T) {
	stub := newTokenEndpointStub(t, respondTokens("at", 3600, "rt"))
	port := freePort(t)
	authorizer := newTestAuthorizer(t, stub, NewMemoryTokenStore(), WithCallbackPort(port))

	if _, err := authorizer.InitiateAuthorization(NorthAmerica); err != nil {
		t.Fatalf("InitiateAuthorization failed: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/callback?error=access_denied&error_description=User%%20cancelled", port))
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	_ = resp.Body.Close()

	// A denied flow has no exchange step, so the session finishes almost
	// immediately. Wait for the listener to release the port, proving the
	// session goroutine ran to completion before anyone awaited.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ln, lnErr := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if lnErr == nil {
			_ = ln.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("port %d still bound after denied callback", port)
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = authorizer.AwaitCompletion(ctx, NorthAmerica)

	var oauthErr *lwa.OAuthError
	if !errors.As(err, &oauthErr) {
		t.Fatalf("expected *lwa.OAuthError from completed flow, got %v", err)
	}
	if oauthErr.Code != "access_denied" {
		t.Fatalf("error code = %q, want access_denied", oauthErr.Code)
	}

	// The outcome is delivered once.
	if err := authorizer.AwaitCompletion(ctx, NorthAmerica); !errors.Is(err, ErrNoPendingAuthorization) {
		t.Fatalf("second AwaitCompletion = %v, want ErrNoPendingAuthorization", err)
	}
}

func TestAwaitCompletion_NoSession(t *testing.T) {
	stub := newTokenEndpointStub(t, respondTokens("at", 3600, "rt"))
	authorizer := newTestAuthorizer(t, stub, NewMemoryTokenStore())

	if err := authorizer.AwaitCompletion(context.Background(), FarEast); !errors.Is(err, ErrNoPendingAuthorization) {
		t.Fatalf("AwaitCompletion = %v, want ErrNoPendingAuthorization", err)
	}
}
