package fclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/spec"
)

// A KeyClient fetches the signing keys another homeserver publishes at
// /_matrix/key/v2/server. It satisfies hearth.KeyClient, so a
// hearth.DirectKeyFetcher can be pointed at it directly.
type KeyClient struct {
	client *Client
}

// NewKeyClient makes a KeyClient with the given client options.
func NewKeyClient(options ...ClientOption) *KeyClient {
	return &KeyClient{client: NewClient(options...)}
}

// GetServerKeys asks a server for its published signing keys. The
// response signature is not checked here; the key ring does that against
// the keys the response itself carries.
func (kc *KeyClient) GetServerKeys(ctx context.Context, matrixServer spec.ServerName) (hearth.ServerKeys, error) {
	var keys hearth.ServerKeys
	u := url.URL{
		Scheme: "matrix-federation",
		Host:   string(matrixServer),
		Path:   "/_matrix/key/v2/server",
	}
	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return keys, err
	}
	err = kc.client.DoRequestAndParseResponse(ctx, req, &keys)
	return keys, err
}
