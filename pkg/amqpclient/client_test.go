package amqpclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoff(t *testing.T) {
	t.Run("doubles until cap", func(t *testing.T) {
		assert.Equal(t, 2*time.Second, nextBackoff(1*time.Second))
		assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second))
		assert.Equal(t, 16*time.Second, nextBackoff(8*time.Second))
	})

	t.Run("caps at maximum", func(t *testing.T) {
		assert.Equal(t, dialMaxBackoff, nextBackoff(16*time.Second))
		assert.Equal(t, dialMaxBackoff, nextBackoff(dialMaxBackoff))
	})
}
