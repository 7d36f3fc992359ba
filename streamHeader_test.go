package spanstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeHeaderCommon(t *testing.T) {
	b := encodeHeaderCommon(0xDEADBEEF, map[string]string{"b": "2", "a": "1"}, "token")
	b = appendInternalMetrics(b, 17)

	rep := &testReport{}
	r := bufio.NewReader(bytes.NewReader(b))
	var fields []protowire.Number
	for {
		num, value, err := readReportField(r)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.NoError(t, rep.apply(num, value))
		fields = append(fields, num)
	}

	assert.Equal(t, []protowire.Number{
		reportRequestReporterField,
		reportRequestAuthField,
		reportRequestInternalMetricsField,
	}, fields)
	assert.Equal(t, uint64(0xDEADBEEF), rep.reporterID)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, rep.tags)
	assert.Equal(t, "token", rep.accessToken)
	assert.Equal(t, int64(17), rep.droppedSpans)
}

func TestEncodeHeaderCommon_tagOrderIsStable(t *testing.T) {
	tags := map[string]string{"z": "1", "y": "2", "x": "3", "w": "4"}
	first := encodeHeaderCommon(1, tags, "")
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, encodeHeaderCommon(1, tags, ""))
	}
}

func TestAppendInternalMetrics_reusesBuffer(t *testing.T) {
	buf := appendInternalMetrics(nil, 1000)
	again := appendInternalMetrics(buf[:0], 0)

	rep := &testReport{}
	num, value, err := readReportField(bufio.NewReader(bytes.NewReader(again)))
	require.NoError(t, err)
	require.NoError(t, rep.apply(num, value))
	assert.True(t, rep.hasMetrics)
	assert.Equal(t, int64(0), rep.droppedSpans)

	allocs := testing.AllocsPerRun(100, func() {
		buf = appendInternalMetrics(buf[:0], 1000)
	})
	assert.Zero(t, allocs)
}

func TestAppendInternalMetrics_matchesNestedEncoding(t *testing.T) {
	for _, dropped := range []int64{0, 1, 127, 128, 1 << 20, 1 << 40} {
		var sample []byte
		sample = protowire.AppendTag(sample, metricsSampleNameField, protowire.BytesType)
		sample = protowire.AppendString(sample, droppedSpansMetricName)
		sample = protowire.AppendTag(sample, metricsSampleIntValueField, protowire.VarintType)
		sample = protowire.AppendVarint(sample, uint64(dropped))

		var metrics []byte
		metrics = protowire.AppendTag(metrics, internalMetricsCountsField, protowire.BytesType)
		metrics = protowire.AppendBytes(metrics, sample)

		var want []byte
		want = protowire.AppendTag(want, reportRequestInternalMetricsField, protowire.BytesType)
		want = protowire.AppendBytes(want, metrics)

		if got := appendInternalMetrics(nil, dropped); !bytes.Equal(want, got) {
			t.Errorf("failed: dropped: %d: expected: %x, got: %x", dropped, want, got)
		}
	}
}

func TestNewReporterID(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id := newReporterID()
		assert.NotZero(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
