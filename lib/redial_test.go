package lib

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestRedialBackoff(t *testing.T) {
	cfg := &RedialConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2}

	testCases := []struct {
		retry    int
		expected time.Duration
	}{
		{retry: 0, expected: 100 * time.Millisecond},
		{retry: 1, expected: 200 * time.Millisecond},
		{retry: 3, expected: 800 * time.Millisecond},
		{retry: 10, expected: time.Second},
	}
	for _, tc := range testCases {
		got := cfg.backoff(tc.retry)
		low, high := tc.expected*9/10, tc.expected*11/10
		if got < low || got > high {
			t.Errorf("retry %d: expected %v ±10%%, got %v", tc.retry, tc.expected, got)
		}
	}
}

func TestDialWithBackoffGivesUp(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()

	cfg := testEndpointConfig()
	cfg.HandshakeRTO = 5 * time.Millisecond
	cfg.MaxHandshakeAttempts = 2
	e, err := Bind("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer e.Close()

	var retries []int
	redial := &RedialConfig{
		MaxRetries:        2,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2,
		OnRetry:           func(attempt int, err error) { retries = append(retries, attempt) },
	}
	_, err = DialWithBackoff(context.Background(), e, silent.LocalAddr().String(), redial)
	if !errors.Is(err, ErrConnectionAborted) {
		t.Fatalf("expected ErrConnectionAborted, got %v", err)
	}
	if len(retries) != 3 {
		t.Errorf("expected 3 failed attempts, got %v", retries)
	}
}

func TestDialWithBackoffConnects(t *testing.T) {
	cfg := testEndpointConfig()
	server, err := Bind("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer server.Close()
	client, err := Bind("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer client.Close()

	go listenWithin(server, 2*time.Second)
	c, err := DialWithBackoff(context.Background(), client, server.LocalAddr().String(), nil)
	if err != nil {
		t.Fatalf("DialWithBackoff failed: %v", err)
	}
	if c.PeerAddr().String() != server.LocalAddr().String() {
		t.Errorf("connected to %v, expected %v", c.PeerAddr(), server.LocalAddr())
	}
}

func TestDialWithBackoffNonRetryable(t *testing.T) {
	e, _ := newFakeEndpoint(t, testEndpointConfig())
	e.Close()

	_, err := DialWithBackoff(context.Background(), e, "127.0.0.1:9400", &RedialConfig{MaxRetries: 3, InitialBackoff: time.Hour})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected without retrying, got %v", err)
	}
}
