package lwa

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// startListener binds a listener on an ephemeral port and returns it together
// with the bound port.
func startListener(t *testing.T, expectedState string) (*CallbackListener, int) {
	t.Helper()
	listener := NewCallbackListener(expectedState, nil)
	port, err := listener.Start(0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if port <= 0 {
		t.Fatalf("expected OS-assigned port, got %d", port)
	}
	t.Cleanup(func() { _ = listener.Stop() })
	return listener, port
}

// sendRequest writes raw bytes to the listener port and returns the full
// response.
func sendRequest(t *testing.T, port int, chunks ...string) string {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	for i, chunk := range chunks {
		if i > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		if _, err = conn.Write([]byte(chunk)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	var response strings.Builder
	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, errRead := conn.Read(buf)
		response.Write(buf[:n])
		if errRead != nil {
			break
		}
	}
	return response.String()
}

// waitResult runs WaitForCallback in the background and returns its outcome.
func waitResult(listener *CallbackListener) chan callbackResult {
	results := make(chan callbackResult, 1)
	go func() {
		code, err := listener.WaitForCallback(context.Background())
		results <- callbackResult{code: code, err: err}
	}()
	return results
}

func TestCallbackListener_StartTwice(t *testing.T) {
	listener, _ := startListener(t, "")
	if _, err := listener.Start(0); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestCallbackListener_StopIdempotent(t *testing.T) {
	listener := NewCallbackListener("", nil)
	if err := listener.Stop(); err != nil {
		t.Fatalf("Stop before Start = %v, want nil", err)
	}

	if _, err := listener.Start(0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := listener.Stop(); err != nil {
		t.Fatalf("first Stop = %v", err)
	}
	if err := listener.Stop(); err != nil {
		t.Fatalf("second Stop = %v, want nil", err)
	}
}

func TestCallbackListener_FixedPortInUse(t *testing.T) {
	_, port := startListener(t, "")

	second := NewCallbackListener("", nil)
	if _, err := second.Start(port); !errors.Is(err, ErrFailedToStart) {
		t.Fatalf("Start on occupied port = %v, want ErrFailedToStart", err)
	}
}

func TestCallbackListener_SuccessfulCallback(t *testing.T) {
	listener, port := startListener(t, "xyz")
	results := waitResult(listener)

	response := sendRequest(t, port, "GET /callback?code=ABC123&state=xyz HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.1 200 OK") {
		t.Fatalf("expected 200 response, got %q", response)
	}
	if !strings.Contains(response, "Authorization Successful") {
		t.Fatalf("expected success page in response, got %q", response)
	}

	result := <-results
	if result.err != nil {
		t.Fatalf("WaitForCallback failed: %v", result.err)
	}
	if result.code != "ABC123" {
		t.Fatalf("code = %q, want ABC123", result.code)
	}

	// The listener stops itself shortly after resolving, freeing the port.
	deadline := time.Now().Add(2 * time.Second)
	for {
		ln, errListen := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if errListen == nil {
			_ = ln.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("port %d still bound after grace window", port)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestCallbackListener_PartialReads(t *testing.T) {
	listener, port := startListener(t, "")
	results := waitResult(listener)

	// Request split mid-header across two writes.
	sendRequest(t, port,
		"GET /callback?code=SPLIT42 HTTP/1.1\r\nHost: loc",
		"alhost\r\nUser-Agent: test\r\n\r\n")

	result := <-results
	if result.err != nil {
		t.Fatalf("WaitForCallback failed: %v", result.err)
	}
	if result.code != "SPLIT42" {
		t.Fatalf("code = %q, want SPLIT42", result.code)
	}
}

func TestCallbackListener_OAuthErrorCallback(t *testing.T) {
	listener, port := startListener(t, "")
	results := waitResult(listener)

	response := sendRequest(t, port, "GET /callback?error=access_denied&error_description=User%20cancelled HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.1 400") {
		t.Fatalf("expected 400 response, got %q", response)
	}
	if !strings.Contains(response, "User cancelled") {
		t.Fatalf("expected decoded description in error page, got %q", response)
	}

	result := <-results
	var oauthErr *OAuthError
	if !errors.As(result.err, &oauthErr) {
		t.Fatalf("expected *OAuthError, got %v", result.err)
	}
	if oauthErr.Code != "access_denied" {
		t.Fatalf("error code = %q, want access_denied", oauthErr.Code)
	}
	if oauthErr.Description != "User cancelled" {
		t.Fatalf("error description = %q, want decoded %q", oauthErr.Description, "User cancelled")
	}
}

func TestCallbackListener_MissingCode(t *testing.T) {
	listener, port := startListener(t, "")
	results := waitResult(listener)

	response := sendRequest(t, port, "GET /callback HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.1 400") {
		t.Fatalf("expected 400 response, got %q", response)
	}

	result := <-results
	if !errors.Is(result.err, ErrMissingCode) {
		t.Fatalf("expected ErrMissingCode, got %v", result.err)
	}
}

func TestCallbackListener_NonGETRejected(t *testing.T) {
	listener, port := startListener(t, "")
	results := waitResult(listener)

	response := sendRequest(t, port, "POST /callback?code=X HTTP/1.1\r\nContent-Length: 0\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.1 400") {
		t.Fatalf("expected 400 response, got %q", response)
	}

	result := <-results
	if !errors.Is(result.err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", result.err)
	}
}

func TestCallbackListener_WrongPath(t *testing.T) {
	listener, port := startListener(t, "")
	results := waitResult(listener)

	response := sendRequest(t, port, "GET /favicon.ico HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.1 404") {
		t.Fatalf("expected 404 response, got %q", response)
	}

	result := <-results
	if !errors.Is(result.err, ErrInvalidCallbackPath) {
		t.Fatalf("expected ErrInvalidCallbackPath, got %v", result.err)
	}
}

func TestCallbackListener_StateMismatch(t *testing.T) {
	listener, port := startListener(t, "expected-state")
	results := waitResult(listener)

	response := sendRequest(t, port, "GET /callback?code=ABC&state=forged HTTP/1.1\r\n\r\n")
	if !strings.HasPrefix(response, "HTTP/1.1 400") {
		t.Fatalf("expected 400 response, got %q", response)
	}

	result := <-results
	var oauthErr *OAuthError
	if !errors.As(result.err, &oauthErr) {
		t.Fatalf("expected *OAuthError, got %v", result.err)
	}
	if oauthErr.Code != "state_mismatch" {
		t.Fatalf("error code = %q, want state_mismatch", oauthErr.Code)
	}
}

func TestCallbackListener_CancelledWait(t *testing.T) {
	listener, port := startListener(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan error, 1)
	go func() {
		_, err := listener.WaitForCallback(ctx)
		results <- err
	}()

	cancel()
	select {
	case err := <-results:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForCallback did not unblock after cancellation")
	}

	if err := listener.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port %d not released after Stop: %v", port, err)
	}
	_ = ln.Close()
}
