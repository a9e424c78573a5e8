package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridsight/gridsight/pkg/types"
)

func reading(ts time.Time, solar float64) types.Reading {
	return types.Reading{
		Timestamp: ts,
		SolarKW:   solar,
		Connected: true,
	}
}

func TestMemoryPublishEvicts(t *testing.T) {
	m := NewMemory(3)
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m.Publish(reading(base.Add(time.Duration(i)*time.Minute), float64(i)))
	}

	assert.Equal(t, 4.0, m.Current().SolarKW)

	recent := m.Recent(0, 0)
	require.Len(t, recent, 3)
	assert.Equal(t, 2.0, recent[0].SolarKW)
	assert.Equal(t, 4.0, recent[2].SolarKW)
}

func TestMemoryRecentWindow(t *testing.T) {
	m := NewMemory(100)
	now := time.Now()
	m.Publish(reading(now.Add(-2*time.Hour), 1))
	m.Publish(reading(now.Add(-30*time.Minute), 2))
	m.Publish(reading(now.Add(-time.Minute), 3))

	recent := m.Recent(0, time.Hour)
	require.Len(t, recent, 2)
	assert.Equal(t, 2.0, recent[0].SolarKW)
	assert.Equal(t, 3.0, recent[1].SolarKW)
}

func TestMemoryRangeByDate(t *testing.T) {
	m := NewMemory(100)
	m.Publish(reading(time.Date(2026, 8, 19, 23, 59, 0, 0, time.UTC), 1))
	m.Publish(reading(time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), 2))
	m.Publish(reading(time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC), 3))
	m.Publish(reading(time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC), 4))

	out := m.RangeByDate(
		time.Date(2026, 8, 20, 15, 30, 0, 0, time.UTC),
		time.Date(2026, 8, 21, 1, 0, 0, 0, time.UTC),
	)
	require.Len(t, out, 2)
	assert.Equal(t, 2.0, out[0].SolarKW)
	assert.Equal(t, 3.0, out[1].SolarKW)
}

func TestDecimate(t *testing.T) {
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	var readings []types.Reading
	for i := 0; i < 1000; i++ {
		readings = append(readings, reading(base.Add(time.Duration(i)*time.Second), float64(i)))
	}

	out := Decimate(readings, 100)
	require.LessOrEqual(t, len(out), 100)
	assert.Equal(t, readings[0].Timestamp, out[0].Timestamp)
	assert.Equal(t, readings[999].Timestamp, out[len(out)-1].Timestamp)
}

func TestDecimateUnderLimit(t *testing.T) {
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	var readings []types.Reading
	for i := 0; i < 50; i++ {
		readings = append(readings, reading(base.Add(time.Duration(i)*time.Second), float64(i)))
	}
	assert.Len(t, Decimate(readings, 100), 50)
}

func TestDecimateOddSizes(t *testing.T) {
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	for _, n := range []int{101, 150, 199, 200, 201, 537} {
		var readings []types.Reading
		for i := 0; i < n; i++ {
			readings = append(readings, reading(base.Add(time.Duration(i)*time.Second), float64(i)))
		}
		out := Decimate(readings, 100)
		assert.LessOrEqual(t, len(out), 100, "n=%d", n)
		assert.Equal(t, readings[0].Timestamp, out[0].Timestamp, "n=%d", n)
		assert.Equal(t, readings[n-1].Timestamp, out[len(out)-1].Timestamp, "n=%d", n)
	}
}
