package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "channelvault:source:7", Key("source", "7"))
	assert.Equal(t, "channelvault:lock:source:42", SourceLockKey(42))
}

func TestRandomToken(t *testing.T) {
	a, b := randomToken(), randomToken()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("not a url")
	assert.Error(t, err)

	r, err := New("redis://localhost:6379/3")
	assert.NoError(t, err)
	assert.Equal(t, 3, r.Client().Options().DB)
	assert.NoError(t, r.Close())
}
