package identity

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	t.Run("permanent form with phone", func(t *testing.T) {
		assert.Equal(t, "tenant_1_5511999999999", Derive(1, "5511999999999"))
	})

	t.Run("strips non-digit characters", func(t *testing.T) {
		assert.Equal(t, "tenant_42_5511987654321", Derive(42, "+55 (11) 98765-4321"))
	})

	t.Run("temporary form without phone", func(t *testing.T) {
		id := Derive(7, "")
		assert.Regexp(t, regexp.MustCompile(`^tenant_7_temp_\d+$`), id)
	})
}

func TestParse(t *testing.T) {
	t.Run("round-trips permanent identifier", func(t *testing.T) {
		id := Derive(15, "5511999999999")
		parsed, ok := Parse(id)
		require.True(t, ok)
		assert.Equal(t, int64(15), parsed.TenantID)
		assert.Equal(t, "5511999999999", parsed.Phone)
	})

	t.Run("temporary identifier reports temp marker", func(t *testing.T) {
		id := Derive(3, "")
		parsed, ok := Parse(id)
		require.True(t, ok)
		assert.Equal(t, int64(3), parsed.TenantID)
		assert.Equal(t, TempMarker, parsed.Phone)
	})

	t.Run("non-matching strings return false", func(t *testing.T) {
		for _, id := range []string{
			"",
			"tenant_",
			"tenant_abc_5511999999999",
			"tenant_1",
			"tenant_1_",
			"session_1_5511999999999",
			"tenant_1_temp_",
			"tenant_1_5511999999999_extra",
		} {
			_, ok := Parse(id)
			assert.False(t, ok, "expected %q to be unparseable", id)
		}
	})
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, IsTemporary(Derive(1, "")))
	assert.False(t, IsTemporary(Derive(1, "5511999999999")))
	assert.False(t, IsTemporary("garbage"))
}
