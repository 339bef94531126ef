package cloudtaskmq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateKeys(t *testing.T) {
	require.Equal(t, "queue:mail", QueueRateKey("mail"))
	require.Equal(t, "user:42", UserRateKey("42"))
	require.Equal(t, "user:42:upload", UserRateKey("42", "upload"))
	require.Equal(t, "ip:10.0.0.1", IPRateKey("10.0.0.1"))
	require.Equal(t, "ip:10.0.0.1:search", IPRateKey("10.0.0.1", "search"))
	require.Equal(t, "processor:mail:welcome", ProcessorRateKey("mail", "welcome"))
}

func TestStatusFrom(t *testing.T) {
	st := statusFrom(&RateLimitResult{Count: 2, ResetTime: 999}, 3)
	require.True(t, st.Allowed)
	require.Equal(t, int64(1), st.Remaining)
	require.Equal(t, int64(999), st.ResetTime)

	st = statusFrom(&RateLimitResult{Count: 3, ResetTime: 999}, 3)
	require.True(t, st.Allowed)
	require.Zero(t, st.Remaining)

	st = statusFrom(&RateLimitResult{Count: 4, ResetTime: 999}, 3)
	require.False(t, st.Allowed)
	require.Zero(t, st.Remaining)
}
