package adsauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/adkit-go/adkit/internal/auth/lwa"
)

const (
	// DefaultCallbackPort is the loopback port registered with the identity
	// provider as part of the redirect URI. A fixed port means only one
	// authorization flow can be in flight process-wide at a time; starting a
	// flow for any region tears down the previous flow for that region first.
	DefaultCallbackPort = 8765

	// DefaultAuthTimeout is how long a flow waits for the browser callback
	// before giving up and releasing the port.
	DefaultAuthTimeout = 300 * time.Second
)

// ErrNoPendingAuthorization is returned by AwaitCompletion when no flow is in
// progress for the region.
var ErrNoPendingAuthorization = errors.New("adsauth: no authorization in progress for region")

// session is the per-region state of one authorization flow. It is owned
// exclusively by the Authorizer. A completed session stays in the registry,
// with its listener stopped, until AwaitCompletion consumes the outcome or a
// new flow for the region replaces it.
type session struct {
	id       string
	region   Region
	codes    *lwa.PKCECodes
	state    string
	listener *lwa.CallbackListener

	cancel context.CancelFunc
	done   chan struct{}
	// err is the flow outcome; valid only after done is closed.
	err error
}

// Authorizer coordinates at most one authorization session per region. It
// builds authorization URLs, runs the callback listener, races the callback
// against a timeout, and hands received codes to the token manager for
// exchange. Opening the returned URL in a browser is the caller's job.
type Authorizer struct {
	tokens *TokenManager
	client *lwa.Client
	scopes []string

	callbackPort int
	timeout      time.Duration
	html         lwa.HTMLProvider

	mu       sync.Mutex
	sessions map[Region]*session
}

// AuthorizerOption customizes an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithCallbackPort overrides the fixed callback port. Port 0 selects an
// ephemeral port, which only works when the provider accepts wildcard
// loopback redirect URIs.
func WithCallbackPort(port int) AuthorizerOption {
	return func(a *Authorizer) {
		a.callbackPort = port
	}
}

// WithAuthTimeout overrides the default 300 second callback timeout.
func WithAuthTimeout(timeout time.Duration) AuthorizerOption {
	return func(a *Authorizer) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithHTMLProvider substitutes the pages shown in the user's browser.
func WithHTMLProvider(html lwa.HTMLProvider) AuthorizerOption {
	return func(a *Authorizer) {
		a.html = html
	}
}

// NewAuthorizer creates an authorization orchestrator that persists tokens
// through the given token manager and requests the given scopes.
func NewAuthorizer(tokens *TokenManager, client *lwa.Client, scopes []string, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		tokens:       tokens,
		client:       client,
		scopes:       scopes,
		callbackPort: DefaultCallbackPort,
		timeout:      DefaultAuthTimeout,
		sessions:     make(map[Region]*session),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// InitiateAuthorization starts a new authorization flow for the region and
// returns the URL the user must open in a browser. Any pre-existing flow for
// the region is cancelled and fully torn down before the new listener binds,
// so the fixed port is free for the new session; an unconsumed outcome from a
// previously completed flow is discarded.
func (a *Authorizer) InitiateAuthorization(region Region) (string, error) {
	if !region.Valid() {
		return "", fmt.Errorf("unknown region %q", region)
	}

	a.CancelAuthorization(region)

	codes, err := lwa.GeneratePKCECodes()
	if err != nil {
		return "", fmt.Errorf("failed to generate PKCE codes: %w", err)
	}
	state, err := lwa.GenerateRandomState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	listener := lwa.NewCallbackListener(state, a.html)
	port, err := listener.Start(a.callbackPort)
	if err != nil {
		return "", err
	}
	redirectURI := fmt.Sprintf("http://localhost:%d/callback", port)

	authURL, err := a.client.BuildAuthURL(region.AuthorizationEndpoint(), redirectURI, a.scopes, state, codes)
	if err != nil {
		_ = listener.Stop()
		return "", err
	}

	flowCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
	sess := &session{
		id:       uuid.NewString(),
		region:   region,
		codes:    codes,
		state:    state,
		listener: listener,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	a.mu.Lock()
	a.sessions[region] = sess
	a.mu.Unlock()

	log.Debugf("authorization session %s started for region %s on port %d", sess.id, region, port)
	go a.runSession(flowCtx, sess, redirectURI)

	return authURL, nil
}

// runSession drives one flow to completion: it waits for the callback (or
// timeout/cancellation), exchanges the code, and releases the port.
func (a *Authorizer) runSession(ctx context.Context, sess *session, redirectURI string) {
	defer close(sess.done)
	defer a.releasePort(sess)
	defer sess.cancel()

	code, err := sess.listener.WaitForCallback(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			log.Warnf("authorization session %s for region %s timed out waiting for callback", sess.id, sess.region)
		case errors.Is(err, context.Canceled):
			log.Debugf("authorization session %s for region %s cancelled", sess.id, sess.region)
		default:
			log.Errorf("authorization session %s for region %s failed: %v", sess.id, sess.region, err)
		}
		sess.err = err
		return
	}

	if err = a.tokens.ExchangeCode(ctx, sess.region, code, redirectURI, sess.codes.CodeVerifier); err != nil {
		log.Errorf("authorization session %s for region %s: %v", sess.id, sess.region, err)
		sess.err = err
		return
	}

	log.Infof("authorization completed for region %s", sess.region)
}

// releasePort stops the session's listener. The session itself stays in the
// registry so the flow outcome remains observable; it is removed when
// consumed, cancelled, or replaced. Cleanup failures are logged and not
// escalated.
func (a *Authorizer) releasePort(sess *session) {
	if err := sess.listener.Stop(); err != nil {
		log.Debugf("authorization session %s listener stop: %v", sess.id, err)
	}
}

// CancelAuthorization cancels the in-flight flow for the region, if any. It
// returns once the session is fully torn down and its port released. Safe to
// call when no flow is in progress.
func (a *Authorizer) CancelAuthorization(region Region) {
	a.mu.Lock()
	sess := a.sessions[region]
	delete(a.sessions, region)
	a.mu.Unlock()

	if sess == nil {
		return
	}

	sess.cancel()
	// Close the socket directly as well so the port is released even if the
	// session goroutine is still unwinding.
	_ = sess.listener.Stop()
	<-sess.done
}

// AwaitCompletion blocks until the flow for the region finishes and returns
// its outcome. The outcome survives the session goroutine: a flow that has
// already completed, even one that failed before any waiter attached, still
// reports its result here. Each outcome is delivered once; with no started or
// retained flow it returns ErrNoPendingAuthorization.
func (a *Authorizer) AwaitCompletion(ctx context.Context, region Region) error {
	a.mu.Lock()
	sess := a.sessions[region]
	a.mu.Unlock()

	if sess == nil {
		return ErrNoPendingAuthorization
	}

	select {
	case <-sess.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mu.Lock()
	if a.sessions[region] == sess {
		delete(a.sessions, region)
	}
	a.mu.Unlock()
	return sess.err
}
