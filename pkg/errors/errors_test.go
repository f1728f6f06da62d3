package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	err := New(ErrorTypeNotCached, "table is not cached")

	assert.Equal(t, ErrorTypeNotCached, err.Type)
	assert.Equal(t, "not_cached: table is not cached", err.Error())
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(cause, ErrorTypeStorage, "block put failed")

	require.NotNil(t, err)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "disk full")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "ignored"))
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeEvictionTimeout, "eviction did not complete")
	wrapped := Wrap(err, ErrorTypeQuery, "uncache failed")

	assert.True(t, IsType(wrapped, ErrorTypeQuery))
	assert.False(t, IsType(wrapped, ErrorTypeNotCached))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeQuery))
}

func TestTypePredicates(t *testing.T) {
	assert.True(t, IsNotCached(New(ErrorTypeNotCached, "miss")))
	assert.False(t, IsNotCached(New(ErrorTypeStorage, "boom")))
	assert.True(t, IsEvictionTimeout(New(ErrorTypeEvictionTimeout, "slow")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeEncoding, "dictionary overflow").
		WithDetail("column", "user_id").
		WithDetail("entries", 5000)

	assert.Equal(t, "user_id", err.Details["column"])
	assert.Equal(t, 5000, err.Details["entries"])
}
