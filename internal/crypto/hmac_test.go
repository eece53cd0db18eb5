package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRequestAuthVerify(t *testing.T) {
	auth := &RequestAuth{Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)

	h := auth.HeadersAt("POST", "/api/session/deposit", `{"amount":"0.04"}`, now.Unix())
	require.NoError(t, auth.Verify("POST", "/api/session/deposit", `{"amount":"0.04"}`,
		h[HeaderTimestamp], h[HeaderSignature], now.Add(5*time.Second)))

	// Tampered body.
	require.Error(t, auth.Verify("POST", "/api/session/deposit", `{"amount":"4"}`,
		h[HeaderTimestamp], h[HeaderSignature], now))

	// Stale timestamp.
	require.Error(t, auth.Verify("POST", "/api/session/deposit", `{"amount":"0.04"}`,
		h[HeaderTimestamp], h[HeaderSignature], now.Add(time.Minute)))

	require.Error(t, auth.Verify("POST", "/", "", "", "", now))
	require.Equal(t, "RequestAuth{secret=s3cr****}", auth.String())
}
