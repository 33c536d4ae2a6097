package headers

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRateLimit(t *testing.T) {
	t.Run("standard headers", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-RateLimit-Limit", "5000")
		h.Set("X-RateLimit-Remaining", "4200")

		rl := ParseRateLimit(h)
		assert.True(t, rl.Present)
		assert.Equal(t, int64(5000), rl.Limit)
		assert.Equal(t, int64(4200), rl.Remaining)
		assert.False(t, rl.Low())
	})

	t.Run("hyphenated spelling", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-Rate-Limit-Limit", "100")
		h.Set("X-Rate-Limit-Remaining", "5")

		rl := ParseRateLimit(h)
		assert.True(t, rl.Present)
		assert.True(t, rl.Low())
	})

	t.Run("retry after seconds", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", "30")

		rl := ParseRateLimit(h)
		assert.True(t, rl.Present)
		assert.Equal(t, 30*time.Second, rl.RetryAfter)
	})

	t.Run("retry after http date", func(t *testing.T) {
		h := http.Header{}
		h.Set("Retry-After", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))

		rl := ParseRateLimit(h)
		assert.True(t, rl.Present)
		assert.Greater(t, rl.RetryAfter, 50*time.Second)
	})

	t.Run("no headers", func(t *testing.T) {
		rl := ParseRateLimit(http.Header{})
		assert.False(t, rl.Present)
		assert.False(t, rl.Low())
	})

	t.Run("malformed values ignored", func(t *testing.T) {
		h := http.Header{}
		h.Set("X-RateLimit-Limit", "a lot")

		rl := ParseRateLimit(h)
		assert.False(t, rl.Present)
	})
}
