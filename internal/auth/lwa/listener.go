package lwa

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// callbackPath is the only path the listener serves.
	callbackPath = "/callback"

	// stopGraceDelay is how long the listener waits after resolving the
	// callback before closing, so the response can flush to the browser.
	stopGraceDelay = 500 * time.Millisecond

	// readTimeout bounds how long the listener waits for the browser to
	// deliver the full request.
	readTimeout = 10 * time.Second

	// maxRequestBytes caps how much of the request the listener will buffer
	// while looking for the blank-line terminator.
	maxRequestBytes = 64 * 1024
)

// callbackResult carries the outcome of the single callback request.
type callbackResult struct {
	code string
	err  error
}

// CallbackListener is a transient TCP server that accepts exactly one HTTP
// request on the loopback interface, extracts the authorization code or error
// from it, and returns a canned HTML page to the browser.
//
// Only one fixed-shape GET request is ever expected, so the listener parses
// the request line by hand instead of pulling in a full HTTP server. The
// request is buffered until the header terminator is seen, so a request split
// across multiple socket reads is handled correctly.
type CallbackListener struct {
	mu      sync.Mutex
	ln      net.Listener
	conn    net.Conn
	running bool

	// expectedState, when non-empty, must match the state query parameter of
	// the callback or the flow fails with a state_mismatch OAuth error.
	expectedState string
	html          HTMLProvider
	resultChan    chan callbackResult
}

// NewCallbackListener creates a listener that validates the callback against
// expectedState (empty disables the check) and renders pages through html.
// A nil html falls back to the built-in pages.
func NewCallbackListener(expectedState string, html HTMLProvider) *CallbackListener {
	if html == nil {
		html = DefaultHTMLProvider{}
	}
	return &CallbackListener{
		expectedState: expectedState,
		html:          html,
	}
}

// Start binds the listener to the given loopback port and begins waiting for
// the single callback request. Port 0 requests an OS-assigned port; the
// actual bound port is returned either way.
func (l *CallbackListener) Start(port int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return 0, ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFailedToStart, err)
	}

	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return 0, ErrFailedToGetPort
	}

	l.ln = ln
	l.running = true
	l.resultChan = make(chan callbackResult, 1)

	go l.serve(ln, l.resultChan)

	log.Debugf("callback listener bound on 127.0.0.1:%d", addr.Port)
	return addr.Port, nil
}

// WaitForCallback blocks until the callback request has been handled or ctx
// is done. On success it returns the authorization code; cancellation and
// timeout are reported through the context error.
func (l *CallbackListener) WaitForCallback(ctx context.Context) (string, error) {
	l.mu.Lock()
	resultChan := l.resultChan
	l.mu.Unlock()

	if resultChan == nil {
		return "", ErrFailedToStart
	}

	select {
	case result := <-resultChan:
		return result.code, result.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop closes the active connection and the listening socket. It is
// idempotent and safe to call when the listener was never started.
func (l *CallbackListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false

	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}

	var err error
	if l.ln != nil {
		err = l.ln.Close()
		l.ln = nil
	}
	return err
}

// serve accepts the single expected connection, handles it, and schedules the
// listener shutdown after the grace delay.
func (l *CallbackListener) serve(ln net.Listener, results chan callbackResult) {
	conn, err := ln.Accept()
	if err != nil {
		// Listener closed before any request arrived; the waiter is unblocked
		// by its context, not by a result.
		return
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	result := l.handleConn(conn)
	l.sendResult(results, result)

	// Let the response flush before the socket goes away.
	time.AfterFunc(stopGraceDelay, func() {
		if errStop := l.Stop(); errStop != nil {
			log.Debugf("callback listener stop after grace delay: %v", errStop)
		}
	})
}

// handleConn reads the request, resolves the flow outcome, and writes the
// HTML response.
func (l *CallbackListener) handleConn(conn net.Conn) callbackResult {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	raw, err := readRequestHead(conn)
	if err != nil {
		l.respond(conn, 400, "Bad Request", l.html.ErrorHTML("The request could not be read."))
		return callbackResult{err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}
	}

	method, target, err := parseRequestLine(raw)
	if err != nil {
		l.respond(conn, 400, "Bad Request", l.html.ErrorHTML("The request could not be parsed."))
		return callbackResult{err: err}
	}

	if method != "GET" {
		l.respond(conn, 400, "Bad Request", l.html.ErrorHTML("Only GET requests are accepted."))
		return callbackResult{err: fmt.Errorf("%w: method %s", ErrInvalidRequest, method)}
	}

	u, err := url.ParseRequestURI(target)
	if err != nil || !strings.HasPrefix(u.Path, callbackPath) {
		l.respond(conn, 404, "Not Found", l.html.ErrorHTML("Unknown path."))
		return callbackResult{err: fmt.Errorf("%w: %s", ErrInvalidCallbackPath, target)}
	}

	query := u.Query()

	if errCode := query.Get("error"); errCode != "" {
		description := query.Get("error_description")
		message := description
		if message == "" {
			message = errCode
		}
		l.respond(conn, 400, "Bad Request", l.html.ErrorHTML(message))
		return callbackResult{err: NewOAuthError(errCode, description, 400)}
	}

	code := query.Get("code")
	if code == "" {
		l.respond(conn, 400, "Bad Request", l.html.ErrorHTML("The callback did not include an authorization code."))
		return callbackResult{err: ErrMissingCode}
	}

	if l.expectedState != "" && query.Get("state") != l.expectedState {
		l.respond(conn, 400, "Bad Request", l.html.ErrorHTML("State parameter mismatch. Please restart the authorization."))
		return callbackResult{err: NewOAuthError("state_mismatch", "state parameter does not match the pending authorization", 400)}
	}

	l.respond(conn, 200, "OK", l.html.SuccessHTML())
	return callbackResult{code: code}
}

// readRequestHead buffers from conn until the header terminator (a blank
// line) is seen, and returns everything read so far. Browsers may split the
// request across several TCP segments, so a single read is not assumed to
// deliver the whole head.
func readRequestHead(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	var head strings.Builder

	for {
		line, err := reader.ReadString('\n')
		head.WriteString(line)
		if err != nil {
			return "", fmt.Errorf("reading request head: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			return head.String(), nil
		}
		if head.Len() > maxRequestBytes {
			return "", fmt.Errorf("request head exceeds %d bytes", maxRequestBytes)
		}
	}
}

// parseRequestLine extracts the method and request target from the first line
// of the request head.
func parseRequestLine(head string) (method, target string, err error) {
	line, _, _ := strings.Cut(head, "\n")
	line = strings.TrimRight(line, "\r")

	parts := strings.Fields(line)
	if len(parts) < 3 {
		return "", "", fmt.Errorf("%w: malformed request line %q", ErrInvalidRequest, line)
	}
	return parts[0], parts[1], nil
}

// respond writes a minimal HTTP/1.1 response with an HTML body.
func (l *CallbackListener) respond(conn net.Conn, status int, statusText, body string) {
	response := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, statusText, len(body), body,
	)
	if _, err := conn.Write([]byte(response)); err != nil {
		log.Debugf("failed to write callback response: %v", err)
	}
}

// sendResult delivers the outcome to the waiting channel without blocking.
// The channel is buffered for one result; anything beyond the first resolution
// is dropped.
func (l *CallbackListener) sendResult(results chan callbackResult, result callbackResult) {
	select {
	case results <- result:
	default:
		log.Warn("callback result channel is full, result dropped")
	}
}
