package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequest_Monotonic(t *testing.T) {
	m := New()

	m.RecordRequest(true, 10, 20, 5*time.Millisecond)
	s1 := m.Snapshot()
	require.Equal(t, uint64(1), s1.Total)
	require.Equal(t, uint64(1), s1.Success)
	require.Equal(t, uint64(0), s1.Failed)

	m.snapAt = time.Time{} // force a fresh snapshot instead of waiting out the TTL
	m.RecordRequest(false, 1, 2, 3*time.Millisecond)
	s2 := m.Snapshot()
	assert.Equal(t, uint64(2), s2.Total)
	assert.Equal(t, uint64(1), s2.Success)
	assert.Equal(t, uint64(1), s2.Failed)
	assert.GreaterOrEqual(t, s2.BytesIn, s1.BytesIn)
	assert.GreaterOrEqual(t, s2.BytesOut, s1.BytesOut)
}

func TestRecordRequest_SuccessDeltaIsExactlyOne(t *testing.T) {
	m := New()
	before := m.Snapshot().Success
	m.snapAt = time.Time{}
	m.RecordRequest(true, 0, 0, 0)
	m.snapAt = time.Time{}
	after := m.Snapshot().Success
	assert.Equal(t, uint64(1), after-before)
}

func TestSnapshot_Memoized(t *testing.T) {
	m := New()
	m.RecordRequest(true, 0, 0, 0)
	first := m.Snapshot()
	m.RecordRequest(true, 0, 0, 0) // should not be visible until TTL passes
	second := m.Snapshot()
	assert.Equal(t, first.Total, second.Total)
}

func TestRecordSNIRewriteAndUpstreamError(t *testing.T) {
	m := New()
	m.RecordSNIRewrite()
	m.RecordUpstreamError()
	m.snapAt = time.Time{}
	s := m.Snapshot()
	assert.Equal(t, uint64(1), s.SNIRewrites)
	assert.Equal(t, uint64(1), s.UpstreamErrors)
}

func TestExportPrometheus_ContainsCounters(t *testing.T) {
	m := New()
	m.RecordRequest(true, 4, 8, time.Millisecond)
	text, err := m.ExportPrometheus()
	require.NoError(t, err)
	assert.True(t, strings.Contains(text, "dns_gateway_requests_total"))
	assert.True(t, strings.Contains(text, "dns_gateway_request_duration_seconds"))
}
