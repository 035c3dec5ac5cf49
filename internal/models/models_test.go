package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCoordinateRanges(t *testing.T) {
	c, err := NewCoordinate(4.6937, -74.1123)
	require.NoError(t, err)
	assert.Equal(t, 4.6937, c.Latitude)
	assert.Equal(t, -74.1123, c.Longitude)

	for _, tc := range []struct{ lat, lon float64 }{
		{90.1, 0}, {-90.1, 0}, {0, 180.5}, {0, -181},
	} {
		_, err := NewCoordinate(tc.lat, tc.lon)
		assert.True(t, errors.Is(err, ErrInvalidCoordinate), "lat=%f lon=%f", tc.lat, tc.lon)
	}

	_, err = NewCoordinate(-90, 180)
	assert.NoError(t, err)
}

func TestCloneDoesNotAlias(t *testing.T) {
	id, mins := "d1", 7
	r := &DispatchRequest{ID: "r1", AssignedDriverID: &id, EstimatedDurationMin: &mins}
	c := r.Clone()
	*c.AssignedDriverID = "other"
	*c.EstimatedDurationMin = 9
	assert.Equal(t, "d1", r.DriverID())
	assert.Equal(t, 7, *r.EstimatedDurationMin)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
