package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampIDRoundTrip(t *testing.T) {
	cases := []struct {
		ts string
		id int64
	}{
		{"1718000000.000100", 1718000000000100},
		{"1718000000.1", 1718000000100000},
		{"1718000000", 1718000000000000},
	}
	for _, tc := range cases {
		id, err := tsToID(tc.ts)
		require.NoError(t, err)
		assert.Equal(t, tc.id, id, "ts %s", tc.ts)
	}
}

func TestTimestampIDIsMonotonic(t *testing.T) {
	a, err := tsToID("1718000000.000100")
	require.NoError(t, err)
	b, err := tsToID("1718000000.000200")
	require.NoError(t, err)
	assert.Less(t, a, b)
}

func TestIDToTSFormatting(t *testing.T) {
	assert.Equal(t, "1718000000.000100", idToTS(1718000000000100))
	assert.Equal(t, "0.000000", idToTS(0))
}

func TestTsToIDRejectsGarbage(t *testing.T) {
	_, err := tsToID("")
	assert.Error(t, err)
	_, err = tsToID("not-a-ts")
	assert.Error(t, err)
}
