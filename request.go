package hearth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hearth-im/hearth/spec"
	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"
)

// A FederationRequest is a request sent to or received from another
// homeserver. Federation requests are authenticated by building a JSON
// object out of the request and signing it.
type FederationRequest struct {
	fields struct {
		Content     spec.RawJSON                                   `json:"content,omitempty"`
		Destination spec.ServerName                                `json:"destination"`
		Method      string                                         `json:"method"`
		Origin      spec.ServerName                                `json:"origin"`
		RequestURI  string                                         `json:"uri"`
		Signatures  map[spec.ServerName]map[KeyID]spec.Base64Bytes `json:"signatures,omitempty"`
	}
}

// NewFederationRequest creates an outbound federation request for the
// given HTTP method, destination server and request path (which may carry
// a query string).
func NewFederationRequest(method string, destination spec.ServerName, requestURI string) FederationRequest {
	var r FederationRequest
	r.fields.Destination = destination
	r.fields.Method = strings.ToUpper(method)
	r.fields.RequestURI = requestURI
	return r
}

// SetContent sets the JSON body for the request. It is an error to modify
// a request that has already been signed.
func (r *FederationRequest) SetContent(content interface{}) error {
	if r.fields.Content != nil {
		return fmt.Errorf("hearth: content already set on the request")
	}
	if r.fields.Signatures != nil {
		return fmt.Errorf("hearth: the request is signed and cannot be modified")
	}
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	r.fields.Content = spec.RawJSON(data)
	return nil
}

// Method returns the HTTP method of the request.
func (r *FederationRequest) Method() string { return r.fields.Method }

// Content returns the JSON body of the request.
func (r *FederationRequest) Content() []byte { return []byte(r.fields.Content) }

// Origin returns the server the request originated on.
func (r *FederationRequest) Origin() spec.ServerName { return r.fields.Origin }

// Destination returns the server the request is addressed to.
func (r *FederationRequest) Destination() spec.ServerName { return r.fields.Destination }

// RequestURI returns the path and query of the request URL.
func (r *FederationRequest) RequestURI() string { return r.fields.RequestURI }

// Sign the request with this server's key. The signature covers the
// canonical form of {method, uri, origin, destination, content?}.
func (r *FederationRequest) Sign(serverName spec.ServerName, keyID KeyID, privateKey ed25519.PrivateKey) error {
	if r.fields.Origin != "" && r.fields.Origin != serverName {
		return fmt.Errorf("hearth: the request is already signed by a different server")
	}
	r.fields.Origin = serverName
	data, err := json.Marshal(r.fields)
	if err != nil {
		return err
	}
	signedData, err := SignJSON(string(serverName), keyID, privateKey, data)
	if err != nil {
		return err
	}
	return json.Unmarshal(signedData, &r.fields)
}

// HTTPRequest builds a net/http.Request carrying the X-Matrix
// Authorization header for this signed federation request.
func (r *FederationRequest) HTTPRequest() (*http.Request, error) {
	urlStr := fmt.Sprintf("matrix-federation://%s%s", r.fields.Destination, r.fields.RequestURI)

	var content io.Reader
	if r.fields.Content != nil {
		content = bytes.NewReader([]byte(r.fields.Content))
	}
	httpReq, err := http.NewRequest(r.fields.Method, urlStr, content)
	if err != nil {
		return nil, err
	}
	if r.fields.Content != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for keyID, sig := range r.fields.Signatures[r.fields.Origin] {
		httpReq.Header.Add("Authorization", fmt.Sprintf(
			"X-Matrix origin=%q,destination=%q,key=%q,sig=%q",
			r.fields.Origin, r.fields.Destination, keyID, sig.Encode(),
		))
	}
	return httpReq, nil
}

// VerifyHTTPRequest extracts and authenticates an inbound federation
// request. It consumes the request body. A header destination that does
// not name this server is rejected before any key is fetched.
//
// Handlers must only rely on the authenticated parts of the request: the
// method, the URI, the query parameters and the JSON content.
func VerifyHTTPRequest(
	req *http.Request, now time.Time, localServerName spec.ServerName, keys JSONVerifier,
) (*FederationRequest, util.JSONResponse) {
	request, err := readHTTPRequest(req)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Warn("Error parsing X-Matrix request")
		return nil, util.MessageResponse(400, "Invalid X-Matrix request")
	}

	if request.Origin() == "" {
		return nil, util.MessageResponse(401, "Missing or invalid Authorization: X-Matrix header")
	}
	// Cheap rejection path: a request addressed to another server can
	// never verify against our name, so don't bother fetching keys.
	if request.fields.Destination != "" && request.fields.Destination != localServerName {
		return nil, util.MessageResponse(401, fmt.Sprintf(
			"X-Matrix destination %q is not this server", request.fields.Destination,
		))
	}
	request.fields.Destination = localServerName

	toVerify, err := json.Marshal(request.fields)
	if err != nil {
		return nil, util.MessageResponse(400, "Invalid JSON")
	}
	results, err := keys.VerifyJSONs(req.Context(), []VerifyJSONRequest{{
		ServerName: request.Origin(),
		AtTS:       spec.AsTimestamp(now),
		Message:    toVerify,
	}})
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Error verifying request signature")
		return nil, util.MessageResponse(502, "Error authenticating request")
	}
	if results[0].Error != nil {
		util.GetLogger(req.Context()).WithError(results[0].Error).Warn("Invalid request signature")
		return nil, util.MessageResponse(401, "Invalid request signature")
	}
	return request, util.JSONResponse{Code: 200, JSON: struct{}{}}
}

func readHTTPRequest(req *http.Request) (*FederationRequest, error) {
	var result FederationRequest
	result.fields.Method = req.Method
	result.fields.RequestURI = req.URL.RequestURI()

	content, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	if len(content) != 0 {
		if ct := req.Header.Get("Content-Type"); ct != "application/json" {
			return nil, fmt.Errorf("hearth: request must be \"application/json\", not %q", ct)
		}
		result.fields.Content = spec.RawJSON(content)
	}

	for _, authorization := range req.Header["Authorization"] {
		scheme, params := parseAuthorization(authorization)
		if scheme != "X-Matrix" {
			continue
		}
		origin, destination := spec.ServerName(params["origin"]), spec.ServerName(params["destination"])
		key, sig := params["key"], params["sig"]
		if origin == "" || key == "" || sig == "" {
			return nil, fmt.Errorf("hearth: incomplete X-Matrix authorization header")
		}
		if result.fields.Origin != "" && result.fields.Origin != origin {
			return nil, fmt.Errorf("hearth: different origins in X-Matrix authorization headers")
		}
		if result.fields.Destination != "" && destination != "" && result.fields.Destination != destination {
			return nil, fmt.Errorf("hearth: different destinations in X-Matrix authorization headers")
		}
		result.fields.Origin = origin
		if destination != "" {
			result.fields.Destination = destination
		}
		var decoded spec.Base64Bytes
		if err := decoded.Decode(sig); err != nil {
			return nil, fmt.Errorf("hearth: undecodable X-Matrix signature: %w", err)
		}
		if result.fields.Signatures == nil {
			result.fields.Signatures = map[spec.ServerName]map[KeyID]spec.Base64Bytes{}
		}
		if result.fields.Signatures[origin] == nil {
			result.fields.Signatures[origin] = map[KeyID]spec.Base64Bytes{}
		}
		result.fields.Signatures[origin][KeyID(key)] = decoded
	}
	return &result, nil
}

// parseAuthorization splits "X-Matrix origin=...,key=\"...\",sig=\"...\""
// into its scheme and parameter map. Both quoted and bare parameter values
// are accepted.
func parseAuthorization(header string) (scheme string, params map[string]string) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", nil
	}
	scheme = parts[0]
	params = map[string]string{}
	for _, pair := range strings.Split(parts[1], ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[kv[0]] = strings.Trim(kv[1], "\"")
	}
	return scheme, params
}
