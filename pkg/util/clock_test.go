package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradingDayUsesReferenceZone(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"before seoul midnight", time.Date(2024, 3, 10, 14, 59, 0, 0, time.UTC), "2024-03-10"},
		{"after seoul midnight", time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC), "2024-03-11"},
		{"server in new york", time.Date(2024, 3, 10, 20, 0, 0, 0, time.FixedZone("EDT", -4*3600)), "2024-03-11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TradingDay(tt.at, seoul))
		})
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Second), c.Advance(time.Second))
	assert.Equal(t, start.Add(2*time.Second), <-c.After(time.Second))
}
