package redis

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNamespacing(t *testing.T) {
	c := &Client{rdb: redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), prefix: "signaltrader:"}
	t.Cleanup(func() { _ = c.Close() })

	lm := NewLockManager(c)
	assert.Equal(t, "signaltrader:lock:position:abc", lm.lockKey("position:abc"))

	rl := NewRateLimiter(c)
	assert.Equal(t, "signaltrader:ratelimit:lbank:private", rl.rateLimitKey("lbank:private"))

	cur := NewStreamCursor(c)
	assert.Equal(t, "signaltrader:ingest:signals:events:last_id", cur.key("signals:events"))
}

func TestRateLimiterLimits(t *testing.T) {
	rl := NewRateLimiter(&Client{})
	assert.Equal(t, DefaultLimit, rl.LimitFor("lbank:public"))

	rl.SetLimit("lbank:public", Limit{Requests: 20, Window: 2 * time.Second})
	assert.Equal(t, 20, rl.LimitFor("lbank:public").Requests)

	rl.SetLimit("broken", Limit{})
	assert.Equal(t, DefaultLimit, rl.LimitFor("broken"))
}

func TestStreamPayload(t *testing.T) {
	require.Equal(t, []byte("x"), streamPayload(map[string]interface{}{"payload": "x"}))
	require.Equal(t, []byte("y"), streamPayload(map[string]interface{}{"payload": []byte("y")}))
	require.Nil(t, streamPayload(map[string]interface{}{"other": 1}))
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("signals:*"))
	assert.False(t, hasPattern("positions"))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
}
