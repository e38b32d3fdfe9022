package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventID(t *testing.T) {
	t.Run("round-trips a valid uuid", func(t *testing.T) {
		raw := uuid.New().String()
		id, err := ParseEventID(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, id.String())
		assert.False(t, id.IsNil())
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		_, err := ParseEventID("not-a-uuid")
		assert.Error(t, err)

		_, err = ParseEventID("")
		assert.Error(t, err)
	})
}

func TestTypedIDsAreDistinct(t *testing.T) {
	u := uuid.New()
	fund := FundID(u)
	loan := LoanID(u)

	// Same underlying bytes, distinct types; string forms agree.
	assert.Equal(t, fund.String(), loan.String())
}

func TestNilChecks(t *testing.T) {
	assert.True(t, EventID{}.IsNil())
	assert.True(t, AggregateID{}.IsNil())
	assert.False(t, NewEventID().IsNil())
	assert.False(t, NewAggregateID().IsNil())
}
