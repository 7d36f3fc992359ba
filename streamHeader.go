package spanstream

import (
	"encoding/binary"
	"sort"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// ReportRequest fields, and those of the messages it embeds, that are written
// by the streaming engine itself. Spans arrive already serialized.
const (
	reportRequestReporterField        protowire.Number = 1
	reportRequestAuthField            protowire.Number = 2
	reportRequestInternalMetricsField protowire.Number = 6

	reporterIDField   protowire.Number = 1
	reporterTagsField protowire.Number = 4

	keyValueKeyField         protowire.Number = 1
	keyValueStringValueField protowire.Number = 2

	authAccessTokenField protowire.Number = 1

	internalMetricsCountsField protowire.Number = 4

	metricsSampleNameField     protowire.Number = 1
	metricsSampleIntValueField protowire.Number = 2
)

const droppedSpansMetricName = "spans.dropped"

// newReporterID derives a random reporter id from a version 4 UUID.
func newReporterID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// encodeHeaderCommon serializes the parts of the stream header shared by every
// connection: the ReportRequest reporter and auth fields.
func encodeHeaderCommon(reporterID uint64, tags map[string]string, accessToken string) []byte {
	var reporter []byte
	reporter = protowire.AppendTag(reporter, reporterIDField, protowire.VarintType)
	reporter = protowire.AppendVarint(reporter, reporterID)

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var kv []byte
		kv = protowire.AppendTag(kv, keyValueKeyField, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, keyValueStringValueField, protowire.BytesType)
		kv = protowire.AppendString(kv, tags[k])

		reporter = protowire.AppendTag(reporter, reporterTagsField, protowire.BytesType)
		reporter = protowire.AppendBytes(reporter, kv)
	}

	var auth []byte
	auth = protowire.AppendTag(auth, authAccessTokenField, protowire.BytesType)
	auth = protowire.AppendString(auth, accessToken)

	var b []byte
	b = protowire.AppendTag(b, reportRequestReporterField, protowire.BytesType)
	b = protowire.AppendBytes(b, reporter)
	b = protowire.AppendTag(b, reportRequestAuthField, protowire.BytesType)
	b = protowire.AppendBytes(b, auth)
	return b
}

// appendInternalMetrics appends the ReportRequest internal_metrics field,
// reporting droppedSpans. The embedded messages are sized up front, so nothing
// is allocated when b has room.
func appendInternalMetrics(b []byte, droppedSpans int64) []byte {
	sampleLen := protowire.SizeTag(metricsSampleNameField) +
		protowire.SizeBytes(len(droppedSpansMetricName)) +
		protowire.SizeTag(metricsSampleIntValueField) +
		protowire.SizeVarint(uint64(droppedSpans))
	metricsLen := protowire.SizeTag(internalMetricsCountsField) + protowire.SizeBytes(sampleLen)

	b = protowire.AppendTag(b, reportRequestInternalMetricsField, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(metricsLen))
	b = protowire.AppendTag(b, internalMetricsCountsField, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(sampleLen))
	b = protowire.AppendTag(b, metricsSampleNameField, protowire.BytesType)
	b = protowire.AppendString(b, droppedSpansMetricName)
	b = protowire.AppendTag(b, metricsSampleIntValueField, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(droppedSpans))
}
