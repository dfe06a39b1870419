package fclient

import (
	"context"
	"net/url"
	"strconv"

	"github.com/hearth-im/hearth"
	"github.com/hearth-im/hearth/spec"
	"golang.org/x/crypto/ed25519"
)

const federationPathPrefixV1 = "/_matrix/federation/v1"

// A SigningIdentity is the keypair a FederationClient signs outbound
// requests with.
type SigningIdentity struct {
	ServerName spec.ServerName
	KeyID      hearth.KeyID
	PrivateKey ed25519.PrivateKey
}

// A FederationClient makes authenticated requests to remote homeservers:
// every request carries an "Authorization: X-Matrix" header signed with
// this server's key.
type FederationClient struct {
	Client
	identity SigningIdentity
}

// NewFederationClient makes a FederationClient signing as the given
// identity. Options are passed through to the underlying Client.
func NewFederationClient(identity SigningIdentity, options ...ClientOption) *FederationClient {
	return &FederationClient{
		Client:   *NewClient(options...),
		identity: identity,
	}
}

func (fc *FederationClient) doRequest(ctx context.Context, r hearth.FederationRequest, resBody interface{}) error {
	if err := r.Sign(fc.identity.ServerName, fc.identity.KeyID, fc.identity.PrivateKey); err != nil {
		return err
	}
	req, err := r.HTTPRequest()
	if err != nil {
		return err
	}
	return fc.Client.DoRequestAndParseResponse(ctx, req, resBody)
}

// SendTransaction pushes a transaction of PDUs and EDUs to its
// destination.
func (fc *FederationClient) SendTransaction(ctx context.Context, t hearth.Transaction) (res hearth.RespSend, err error) {
	path := federationPathPrefixV1 + "/send/" + string(t.TransactionID)
	req := hearth.NewFederationRequest("PUT", t.Destination, path)
	if err = req.SetContent(t); err != nil {
		return
	}
	err = fc.doRequest(ctx, req, &res)
	return
}

// GetEvent asks a remote server for a single event. The response is
// transaction-shaped with the event as its only PDU.
func (fc *FederationClient) GetEvent(ctx context.Context, destination spec.ServerName, eventID string) (res hearth.Transaction, err error) {
	path := federationPathPrefixV1 + "/event/" + url.PathEscape(eventID)
	req := hearth.NewFederationRequest("GET", destination, path)
	err = fc.doRequest(ctx, req, &res)
	return
}

// Backfill fetches up to limit events preceding the given anchor events
// in a room's history.
func (fc *FederationClient) Backfill(
	ctx context.Context, destination spec.ServerName, roomID string, limit int, eventIDs []string,
) (res hearth.Transaction, err error) {
	query := url.Values{"v": eventIDs}
	query.Set("limit", strconv.Itoa(limit))

	u := url.URL{
		Path:     federationPathPrefixV1 + "/backfill/" + roomID,
		RawQuery: query.Encode(),
	}
	req := hearth.NewFederationRequest("GET", destination, u.RequestURI())
	err = fc.doRequest(ctx, req, &res)
	return
}
