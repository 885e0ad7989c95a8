package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frozen returns a limiter whose clock only moves when the returned func is called.
func frozen(config *Config) (*Limiter, func(time.Duration)) {
	l := NewLimiter(config)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return l, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func TestLimiter_Allow(t *testing.T) {
	limiter, _ := frozen(&Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 10, info.Limit)
		assert.Equal(t, 9-i, info.Remaining)
	}

	allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	// 10 per minute refills one token every 6s.
	assert.Equal(t, 6*time.Second, info.RetryAfter.Round(time.Millisecond))
	assert.True(t, info.ResetTime.After(limiter.now()))
}

func TestLimiter_Refill(t *testing.T) {
	limiter, advance := frozen(&Config{Enabled: true, DefaultLimit: 60, DefaultWindow: time.Minute, DefaultBurst: 2})
	defer limiter.Stop()

	for i := 0; i < 2; i++ {
		allowed, _ := limiter.Allow("c", "/runs", "GET")
		require.True(t, allowed)
	}
	allowed, _ := limiter.Allow("c", "/runs", "GET")
	require.False(t, allowed)

	advance(time.Second)
	allowed, _ = limiter.Allow("c", "/runs", "GET")
	assert.True(t, allowed)
	allowed, _ = limiter.Allow("c", "/runs", "GET")
	assert.False(t, allowed)
}

func TestLimiter_Whitelist(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1,
		DefaultWindow: time.Minute,
		Whitelist:     map[string]bool{"127.0.0.1": true},
	})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
		require.True(t, allowed)
		assert.Zero(t, info.Limit)
	}
}

func TestLimiter_Blacklist(t *testing.T) {
	limiter := NewLimiter(&Config{
		Enabled:       true,
		DefaultLimit:  1000,
		DefaultWindow: time.Minute,
		Blacklist:     map[string]bool{"192.168.1.1": true},
	})
	defer limiter.Stop()

	allowed, _ := limiter.Allow("192.168.1.1", "/runs", "GET")
	assert.False(t, allowed)
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(&Config{Enabled: false})
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		allowed, info := limiter.Allow("127.0.0.1", "/runs", "POST")
		require.True(t, allowed)
		assert.Zero(t, info.Limit)
	}
}

func TestLimiter_EndpointSpecific(t *testing.T) {
	limiter, _ := frozen(&Config{
		Enabled:         true,
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		EndpointConfigs: DefaultEndpointConfigs(),
	})
	defer limiter.Stop()

	for i := 0; i < 2; i++ {
		allowed, info := limiter.Allow("c", "/runs", "POST")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 10, info.Limit)
	}
	allowed, info := limiter.Allow("c", "/runs", "POST")
	assert.False(t, allowed)
	assert.Equal(t, 10, info.Limit)

	allowed, info = limiter.Allow("c", "/runs/abc/cancel", "POST")
	assert.True(t, allowed)
	assert.Equal(t, 100, info.Limit)

	allowed, info = limiter.Allow("c", "/runs", "GET")
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)

	allowed, info = limiter.Allow("c", "/health", "GET")
	assert.True(t, allowed)
	assert.Zero(t, info.Limit)
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter, _ := frozen(&Config{Enabled: true, DefaultLimit: 100, DefaultWindow: time.Minute})
	defer limiter.Stop()

	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow("c", "/runs", "GET"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, allowed.Load())
}

func TestLimiter_CleanupDropsIdleBuckets(t *testing.T) {
	limiter, advance := frozen(&Config{Enabled: true, DefaultLimit: 10, DefaultWindow: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 4; i++ {
		limiter.Allow(fmt.Sprintf("10.0.0.%d", i), "/runs", "GET")
	}
	advance(2 * time.Hour)
	limiter.Allow("10.0.0.0", "/runs", "GET")

	limiter.cleanupBuckets(limiter.now().Add(-time.Hour))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.buckets, 1)
	assert.Contains(t, limiter.buckets, "10.0.0.0:/runs:GET")
}

func TestNewLimiter_NilConfig(t *testing.T) {
	limiter := NewLimiter(nil)
	require.NotNil(t, limiter)
	defer limiter.Stop()

	allowed, info := limiter.Allow("127.0.0.1", "/runs", "GET")
	assert.True(t, allowed)
	assert.Equal(t, 1000, info.Limit)

	allowed, info = limiter.Allow("127.0.0.1", "/health", "GET")
	assert.True(t, allowed)
	assert.Zero(t, info.Limit)
}

func TestMatchEndpoint(t *testing.T) {
	configs := DefaultEndpointConfigs()

	tests := []struct {
		path, method string
		wantPattern  string
		wantLimit    int
	}{
		{"/runs", "POST", "/runs", 10},
		{"/runs/6f1c2a/cancel", "POST", "/runs/{id}/cancel", 100},
		{"/runs/6f1c2a/export", "GET", "/runs/{id}/export", 60},
		{"/runs/6f1c2a/events", "GET", "/runs/{id}/events", 30},
		{"/runs/6f1c2a", "GET", "/runs/", 600},
		{"/runs/6f1c2a/steps", "GET", "/runs/", 600},
		{"/runs/6f1c2a/cancel", "GET", "/runs/", 600},
		{"/health", "GET", "/health", 0},
		{"/runs", "GET", "", 0},
		{"/runs/6f1c2a", "POST", "", 0},
		{"/runs/6f1c2a/cancel/extra", "POST", "", 0},
		{"/healthz", "GET", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			got := MatchEndpoint(tt.path, tt.method, configs)
			if tt.wantPattern == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantPattern, got.Path)
			assert.Equal(t, tt.wantLimit, got.Limit)
		})
	}
}

func TestMatchEndpoint_PrefersSpecificPattern(t *testing.T) {
	configs := []EndpointConfig{
		{Path: "/runs/", Method: "GET", Limit: 1},
		{Path: "/runs/{id}/{view}", Method: "GET", Limit: 2},
		{Path: "/runs/{id}/export", Method: "GET", Limit: 3},
	}

	assert.Equal(t, 3, MatchEndpoint("/runs/a/export", "GET", configs).Limit)
	assert.Equal(t, 2, MatchEndpoint("/runs/a/steps", "GET", configs).Limit)
	assert.Equal(t, 1, MatchEndpoint("/runs/a", "GET", configs).Limit)
}

func TestMatchEndpoint_AnyMethod(t *testing.T) {
	configs := []EndpointConfig{{Path: "/runs/{id}/cancel", Limit: 5}}
	assert.NotNil(t, MatchEndpoint("/runs/a/cancel", "POST", configs))
	assert.NotNil(t, MatchEndpoint("/runs/a/cancel", "DELETE", configs))
}

func TestLimiter_RouteBucketSpansRunIDs(t *testing.T) {
	limiter, _ := frozen(&Config{
		Enabled:         true,
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		EndpointConfigs: DefaultEndpointConfigs(),
	})
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		allowed, _ := limiter.Allow("c", fmt.Sprintf("/runs/run-%d/cancel", i), "POST")
		require.True(t, allowed, "request %d", i+1)
	}
	allowed, info := limiter.Allow("c", "/runs/run-99/cancel", "POST")
	assert.False(t, allowed)
	assert.Equal(t, 100, info.Limit)

	// Another client has its own bucket.
	allowed, _ = limiter.Allow("d", "/runs/run-0/cancel", "POST")
	assert.True(t, allowed)
}
