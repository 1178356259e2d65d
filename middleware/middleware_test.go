package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mini-reqresp/engine"
	"mini-reqresp/message"
	"mini-reqresp/transport"
)

// echoHandler returns the payload unchanged.
func echoHandler(ctx context.Context, req *message.Request) ([]byte, error) {
	return req.Payload, nil
}

// slowHandler sleeps for 200ms.
func slowHandler(ctx context.Context, req *message.Request) ([]byte, error) {
	time.Sleep(200 * time.Millisecond)
	return []byte("ok"), nil
}

func newRequest() *message.Request {
	return &message.Request{ID: 1, Peer: "peer", Payload: []byte("ok")}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp, err := handler(context.Background(), newRequest())
	if err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if string(resp) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", string(resp))
	}
	if logs.FilterMessage("request handled").Len() != 1 {
		t.Fatalf("expect one log entry, got %v", logs.All())
	}

	failing := LoggingMiddleware(zap.New(core))(func(ctx context.Context, req *message.Request) ([]byte, error) {
		return nil, errors.New("boom")
	})
	if _, err := failing(context.Background(), newRequest()); err == nil {
		t.Fatal("expect error to pass through")
	}
	if logs.FilterMessage("request failed").Len() != 1 {
		t.Fatalf("expect failure to be logged, got %v", logs.All())
	}
}

func TestTimeoutPass(t *testing.T) {
	// 500ms budget, fast handler
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	if _, err := handler(context.Background(), newRequest()); err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms budget, the handler needs 200ms
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), newRequest())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expect timeout error, got '%v'", err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), newRequest()); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	_, err := handler(context.Background(), newRequest())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: '%v'", err)
	}
}

func TestRateLimitIsPerPeer(t *testing.T) {
	handler := RateLimitMiddleware(1, 1)(echoHandler)

	first := &message.Request{ID: 1, Peer: "peer-a", Payload: []byte("ok")}
	second := &message.Request{ID: 2, Peer: "peer-b", Payload: []byte("ok")}
	if _, err := handler(context.Background(), first); err != nil {
		t.Fatalf("peer-a first request: %v", err)
	}
	if _, err := handler(context.Background(), second); err != nil {
		t.Fatalf("peer-b has its own bucket, got %v", err)
	}
	if _, err := handler(context.Background(), first); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("peer-a second request should be limited, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.Request) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("dial: %w", transport.ErrPeerUnreachable)
		}
		return []byte("ok"), nil
	}
	handler := RetryMiddleware(3, time.Millisecond, nil)(flaky)

	resp, err := handler(context.Background(), newRequest())
	if err != nil {
		t.Fatalf("expect success after retries, got %v", err)
	}
	if string(resp) != "ok" || calls.Load() != 3 {
		t.Fatalf("expect 3 calls and 'ok', got %d calls and '%s'", calls.Load(), resp)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond, nil)(func(ctx context.Context, req *message.Request) ([]byte, error) {
		calls.Add(1)
		return nil, engine.OutboundFailure{Kind: engine.UnsupportedProtocols, Err: transport.ErrUnsupportedProtocol}
	})

	if _, err := handler(context.Background(), newRequest()); err == nil {
		t.Fatal("expect error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expect a single call, got %d", calls.Load())
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrTimeout, true},
		{engine.OutboundFailure{Kind: engine.Timeout, Err: engine.ErrTimeout}, true},
		{engine.OutboundFailure{Kind: engine.ConnectionClosed, Err: errors.New("reset")}, true},
		{engine.OutboundFailure{Kind: engine.FrameTooLarge, Err: errors.New("big")}, false},
		{ErrRateLimited, false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Fatalf("Retryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) ([]byte, error) {
				order = append(order, name+".before")
				resp, err := next(ctx, req)
				order = append(order, name+".after")
				return resp, err
			}
		}
	}
	handler := Chain(mark("A"), mark("B"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)

	resp, err := handler(context.Background(), newRequest())
	if err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	if string(resp) != "ok" {
		t.Fatalf("expect 'ok', got '%s'", resp)
	}
	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("expect order %v, got %v", want, order)
	}
}
