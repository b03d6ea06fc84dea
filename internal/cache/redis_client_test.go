package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "imsync:presence:lastseen:u1", LastSeenKey("u1"))
	assert.Equal(t, "imsync:presence:ch:u1", PresenceChannel("u1"))
}

func TestParseMillis(t *testing.T) {
	at, err := parseMillis("1700000000123")
	require.NoError(t, err)
	assert.True(t, at.Equal(time.UnixMilli(1700000000123)))

	_, err = parseMillis("not-a-number")
	assert.Error(t, err)
}
