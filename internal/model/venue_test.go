package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVenues() []Venue {
	return []Venue{
		{Name: "Alpha", Code: "alpha", Priority: PriorityNormal, Active: true},
		{Name: "Bravo", Code: "bravo", Priority: PriorityHigh, Active: true},
		{Name: "Charlie", Code: "charlie", Priority: PriorityLow, Active: true, LateUpdate: true},
		{Name: "Delta", Code: "delta", Priority: PriorityHigh, Active: false},
		{Name: "Echo", Code: "echo", Priority: PriorityHigh, Active: true},
	}
}

func names(vs []Venue) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Name
	}
	return out
}

func TestSelectVenues(t *testing.T) {
	t.Parallel()

	t.Run("empty filter keeps active in priority order", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, []string{"Bravo", "Echo", "Alpha", "Charlie"}, names(SelectVenues(testVenues(), "")))
	})

	t.Run("priority filter", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, []string{"Bravo", "Echo"}, names(SelectVenues(testVenues(), "high")))
	})

	t.Run("late filter", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, []string{"Charlie"}, names(SelectVenues(testVenues(), FilterLate)))
	})

	t.Run("unknown filter matches nothing", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, SelectVenues(testVenues(), "urgent"))
	})
}

func TestSortByPriorityDoesNotMutate(t *testing.T) {
	t.Parallel()
	in := testVenues()
	_ = SortByPriority(in)
	assert.Equal(t, "Alpha", in[0].Name)
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	p, err := ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("P0")
	assert.Error(t, err)
}

func TestFindVenue(t *testing.T) {
	t.Parallel()
	v, ok := FindVenue(testVenues(), "charlie")
	require.True(t, ok)
	assert.Equal(t, "Charlie", v.Name)

	v, ok = FindVenue(testVenues(), "Echo")
	require.True(t, ok)
	assert.Equal(t, "echo", v.Code)

	_, ok = FindVenue(testVenues(), "zulu")
	assert.False(t, ok)
}
