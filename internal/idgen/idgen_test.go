package idgen

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID_Monotonic(t *testing.T) {
	prev := NewULID()
	for i := 0; i < 100; i++ {
		next := NewULID()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestNewULIDAt_EmbedsTime(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id, err := ulid.ParseStrict(NewULIDAt(at))
	require.NoError(t, err)
	assert.True(t, at.Equal(ulid.Time(id.Time())))
}
