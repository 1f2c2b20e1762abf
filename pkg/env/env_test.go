package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetFallsBackOnBlank(t *testing.T) {
	t.Setenv("BOOKINGS_TEST_VALUE", "  ")
	assert.Equal(t, "json", Get("BOOKINGS_TEST_VALUE", "json"))

	t.Setenv("BOOKINGS_TEST_VALUE", " console ")
	assert.Equal(t, "console", Get("BOOKINGS_TEST_VALUE", "json"))
}

func TestFirstReturnsEarliestSetKey(t *testing.T) {
	t.Setenv("BOOKINGS_TEST_A", "")
	t.Setenv("BOOKINGS_TEST_B", "web.1")

	got, ok := First("BOOKINGS_TEST_A", "BOOKINGS_TEST_B")
	assert.True(t, ok)
	assert.Equal(t, "web.1", got)

	_, ok = First("BOOKINGS_TEST_A")
	assert.False(t, ok)
}
