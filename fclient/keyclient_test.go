package fclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/hearth-im/hearth"
	"github.com/matrix-org/gomatrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

// roundTripFunc lets a test stand in for the whole federation transport.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(t *testing.T, status int, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(raw)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func testLocalKey() *hearth.LocalKey {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = 9
	}
	return &hearth.LocalKey{
		ServerName: "remote",
		KeyID:      "ed25519:r",
		PrivateKey: ed25519.NewKeyFromSeed(seed),
	}
}

func TestKeyClientGetServerKeys(t *testing.T) {
	local := testLocalKey()
	published, err := local.ServerKeys(time.Hour)
	require.NoError(t, err)

	kc := NewKeyClient(WithTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "remote", r.URL.Host)
		assert.Equal(t, "/_matrix/key/v2/server", r.URL.Path)
		return jsonResponse(t, 200, published), nil
	})))

	keys, err := kc.GetServerKeys(context.Background(), "remote")
	require.NoError(t, err)
	assert.Equal(t, published.ServerName, keys.ServerName)
	require.Contains(t, keys.VerifyKeys, hearth.KeyID("ed25519:r"))
	assert.Equal(t, published.VerifyKeys["ed25519:r"].Key, keys.VerifyKeys["ed25519:r"].Key)

	// The raw copy must round-trip so the self-signature still checks.
	checks, _ := hearth.CheckKeys("remote", time.Now(), keys)
	assert.True(t, checks.AllChecksOK)
}

func TestKeyClientErrorResponse(t *testing.T) {
	kc := NewKeyClient(WithTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(t, 404, gomatrix.RespError{ErrCode: "M_NOT_FOUND", Err: "no keys"}), nil
	})))

	_, err := kc.GetServerKeys(context.Background(), "remote")
	require.Error(t, err)
	var httpErr gomatrix.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 404, httpErr.Code)
	var respErr gomatrix.RespError
	require.True(t, errors.As(httpErr.WrappedError, &respErr))
	assert.Equal(t, "M_NOT_FOUND", respErr.ErrCode)
}

func TestKeyClientTransportFailure(t *testing.T) {
	kc := NewKeyClient(WithTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})))

	_, err := kc.GetServerKeys(context.Background(), "remote")
	assert.Error(t, err)
}
