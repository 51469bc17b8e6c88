package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaNarrow(t *testing.T) {
	cases := []struct {
		requests, want int
	}{
		{200, 20},
		{25, 2},
		{19, 1},
		{10, 1},
		{9, 1},
		{3, 1},
		{1, 1},
	}
	for _, tc := range cases {
		got := Quota{Requests: tc.requests, Window: time.Hour}.Narrow()
		assert.Equal(t, Quota{Requests: tc.want, Window: time.Hour}, got, "requests=%d", tc.requests)
	}
}

func TestParseQuota(t *testing.T) {
	q, err := ParseQuota(" 200/60 ")
	require.NoError(t, err)
	assert.Equal(t, Quota{Requests: 200, Window: time.Minute}, q)

	for _, raw := range []string{"", "200", "0/60", "10/0", "a/b"} {
		_, err := ParseQuota(raw)
		assert.Error(t, err, raw)
	}
}

func TestPolicyOverridesAndFailClosed(t *testing.T) {
	p, err := NewPolicy(map[string]string{EndpointRecordSale: "5/10"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Quota{Requests: 5, Window: 10 * time.Second}, p.Quota(EndpointRecordSale))
	assert.Equal(t, Quota{Requests: 10, Window: time.Hour}, p.Quota(EndpointCreateLedger))
	assert.Equal(t, Quota{Requests: 100, Window: time.Minute}, p.Quota("unknown"))
	assert.True(t, p.FailClosed(EndpointProcessPayout))
	assert.False(t, p.FailClosed(EndpointGetBalance))

	custom, err := NewPolicy(nil, []string{EndpointGetBalance})
	require.NoError(t, err)
	assert.True(t, custom.FailClosed(EndpointGetBalance))
	assert.False(t, custom.FailClosed(EndpointProcessPayout))

	_, err = NewPolicy(map[string]string{EndpointRecordSale: "bad"}, nil)
	assert.Error(t, err)
}
