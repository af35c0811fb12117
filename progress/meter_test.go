package progress

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedUpdate struct {
	processed int64
	total     int64
	direction Direction
}

type failingWriter struct {
	accept int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if len(p) > w.accept {
		return w.accept, errors.New("disk full")
	}
	return len(p), nil
}

func TestMeterForwardsBytesUnchanged(t *testing.T) {
	var out bytes.Buffer
	var updates []recordedUpdate
	meter := NewMeter(&out, 10, DirectionReceive, ReporterFunc(func(processed, total int64, direction Direction) {
		updates = append(updates, recordedUpdate{processed, total, direction})
	}))

	for _, chunk := range [][]byte{[]byte("abc"), []byte("defg"), []byte("hij")} {
		n, err := meter.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
	}

	assert.Equal(t, "abcdefghij", out.String())
	assert.Equal(t, int64(10), meter.Processed())
	assert.Equal(t, []recordedUpdate{
		{3, 10, DirectionReceive},
		{7, 10, DirectionReceive},
		{10, 10, DirectionReceive},
	}, updates)
}

func TestMeterCountsOnlyAcceptedBytes(t *testing.T) {
	meter := NewMeter(&failingWriter{accept: 2}, 100, DirectionSend, nil)

	n, err := meter.Write([]byte("hello"))
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(2), meter.Processed())
}

func TestPercent(t *testing.T) {
	cases := []struct {
		processed int64
		total     int64
		want      float64
		ok        bool
	}{
		{0, 100, 0, true},
		{1, 3, 33.3, true},
		{2, 3, 66.7, true},
		{1048576, 1048576, 100, true},
		{150, 100, 150, true},
		{10, 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_of_%d", tc.processed, tc.total), func(t *testing.T) {
			got, ok := Percent(tc.processed, tc.total)
			assert.Equal(t, tc.ok, ok)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestLineReporterSkipsUnchangedPercentages(t *testing.T) {
	var out bytes.Buffer
	reporter := NewLineReporter(&out)

	reporter.Report(1, 2000, DirectionReceive)
	reporter.Report(2, 2000, DirectionReceive)
	reporter.Report(1000, 2000, DirectionReceive)
	reporter.Report(5, 0, DirectionSend)

	assert.Equal(t, "\rReceived : 0.1\rReceived : 50.0\rTransferred : ?", out.String())
}

func TestMultiFansOut(t *testing.T) {
	var first, second int
	reporter := Multi(
		ReporterFunc(func(int64, int64, Direction) { first++ }),
		nil,
		ReporterFunc(func(int64, int64, Direction) { second++ }),
	)
	reporter.Report(1, 2, DirectionSend)
	reporter.Report(2, 2, DirectionSend)

	assert.Equal(t, 2, first)
	assert.Equal(t, 2, second)
}
