package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIhashStaysInRange(t *testing.T) {
	for _, key := range []string{"", "a", "orders", "user-42", "\xff\xfe"} {
		for n := 1; n <= 7; n++ {
			i := Ihash(key, n)
			assert.GreaterOrEqual(t, i, 0)
			assert.Less(t, i, n)
			assert.Equal(t, i, Ihash(key, n))
		}
	}
}

func TestSpaceID(t *testing.T) {
	assert.Equal(t, SpaceID("orders"), SpaceID("orders"))
	assert.NotEqual(t, SpaceID("orders"), SpaceID("payments"))
	assert.GreaterOrEqual(t, SpaceID("orders"), 0)
}
