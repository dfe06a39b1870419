package fclient

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"context"

	"github.com/hearth-im/hearth/spec"
	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
)

// Default request timeout for outbound federation HTTP requests.
const requestTimeout = 30 * time.Second

// A Client makes HTTP requests to remote homeservers. It centralises DNS
// caching, server-name resolution and per-destination TLS transports.
type Client struct {
	client    http.Client
	userAgent string
}

type clientOptions struct {
	transport  http.RoundTripper
	dnsCache   *DNSCache
	timeout    time.Duration
	skipVerify bool
	keepAlives bool
}

// A ClientOption configures a Client.
type ClientOption func(*clientOptions)

// NewClient makes a Client. With no options it resolves destinations via
// well-known and SRV, validates TLS and times requests out after 30s.
func NewClient(options ...ClientOption) *Client {
	opts := &clientOptions{timeout: requestTimeout}
	for _, option := range options {
		option(opts)
	}
	if opts.transport == nil {
		opts.transport = newFederationTripper(opts.skipVerify, opts.dnsCache, opts.keepAlives)
	}
	return &Client{
		client: http.Client{
			Transport: opts.transport,
			Timeout:   opts.timeout,
		},
	}
}

// WithTransport substitutes the whole transport, rendering WithDNSCache
// and WithSkipVerify ineffective.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(o *clientOptions) { o.transport = transport }
}

// WithTimeout overrides the default request timeout.
func WithTimeout(duration time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = duration }
}

// WithDNSCache dials outbound connections through the given cache.
func WithDNSCache(cache *DNSCache) ClientOption {
	return func(o *clientOptions) { o.dnsCache = cache }
}

// WithSkipVerify disables TLS certificate validation. Test use only.
func WithSkipVerify(skipVerify bool) ClientOption {
	return func(o *clientOptions) { o.skipVerify = skipVerify }
}

// WithKeepAlives enables HTTP keep-alives to destinations.
func WithKeepAlives(keepAlives bool) ClientOption {
	return func(o *clientOptions) { o.keepAlives = keepAlives }
}

// SetUserAgent sets the User-Agent header on outbound requests.
func (fc *Client) SetUserAgent(ua string) {
	fc.userAgent = ua
}

const federationTripperLifetime = 5 * time.Minute
const federationTripperReapInterval = time.Minute

// A federationTripper routes matrix-federation:// requests: it resolves
// the server name in the URL host to real destinations and keeps one TLS
// transport per certificate name, since SNI cannot be set per connection.
type federationTripper struct {
	transports      map[string]*federationTransport
	transportsMutex sync.Mutex
	skipVerify      bool
	resolutionCache sync.Map // spec.ServerName -> []ResolutionResult
	dnsCache        *DNSCache
	keepAlives      bool
}

type federationTransport struct {
	*http.Transport
	lastUsed atomic.Value // time.Time
}

func newFederationTripper(skipVerify bool, dnsCache *DNSCache, keepAlives bool) *federationTripper {
	t := &federationTripper{
		transports: make(map[string]*federationTransport),
		skipVerify: skipVerify,
		dnsCache:   dnsCache,
		keepAlives: keepAlives,
	}
	time.AfterFunc(federationTripperReapInterval, t.reaper)
	return t
}

// reaper drops transports for destinations that have gone quiet, so the
// map doesn't grow forever.
func (f *federationTripper) reaper() {
	f.transportsMutex.Lock()
	for name, transport := range f.transports {
		since := transport.lastUsed.Load().(time.Time)
		if time.Since(since) > federationTripperLifetime {
			delete(f.transports, name)
		}
	}
	f.transportsMutex.Unlock()
	time.AfterFunc(federationTripperReapInterval, f.reaper)
}

// federationDialer enforces a connect timeout; a TCP connection that
// takes longer than 5 seconds is not going to complete.
var federationDialer = &net.Dialer{Timeout: 5 * time.Second}

func (f *federationTripper) getTransport(tlsServerName string) http.RoundTripper {
	f.transportsMutex.Lock()
	defer f.transportsMutex.Unlock()

	transport, ok := f.transports[tlsServerName]
	if !ok {
		transport = &federationTransport{
			Transport: &http.Transport{
				DisableKeepAlives:   !f.keepAlives,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     federationTripperLifetime,
				TLSClientConfig: &tls.Config{
					ServerName:         tlsServerName,
					InsecureSkipVerify: f.skipVerify,
					ClientSessionCache: tls.NewLRUClientSessionCache(0),
				},
				DialContext:       federationDialer.DialContext,
				Proxy:             http.ProxyFromEnvironment,
				ForceAttemptHTTP2: true,
			},
		}
		if f.dnsCache != nil {
			transport.DialContext = f.dnsCache.DialContext
		}
		f.transports[tlsServerName] = transport
	}
	transport.lastUsed.Store(time.Now())
	return transport
}

func makeHTTPSURL(u *url.URL, addr string) url.URL {
	httpsURL := *u
	httpsURL.Scheme = "https"
	httpsURL.Host = addr
	return httpsURL
}

func (f *federationTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	serverName := spec.ServerName(r.URL.Host)

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var results []ResolutionResult
		if cached, ok := f.resolutionCache.Load(serverName); ok {
			results = cached.([]ResolutionResult)
		}
		if len(results) == 0 {
			results, err = ResolveServer(r.Context(), serverName)
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return nil, fmt.Errorf("fclient: no address found for matrix host %v", serverName)
			}
			f.resolutionCache.Store(serverName, results)
		}

		for _, result := range results {
			u := makeHTTPSURL(r.URL, result.Destination)
			r.URL = &u
			r.Host = string(result.Host)
			var resp *http.Response
			resp, err = f.getTransport(result.TLSServerName).RoundTrip(r)
			if err == nil {
				return resp, nil
			}
			util.GetLogger(r.Context()).Debugf("Error sending request to %s: %v", u.String(), err)
		}

		// Every resolved destination failed. The cached resolution may
		// be stale, so drop it and resolve once more.
		f.resolutionCache.Delete(serverName)
	}
	return nil, err
}

// DoRequestAndParseResponse sends the request and decodes a 2xx response
// body into result. A non-2xx response becomes a gomatrix.HTTPError,
// wrapping a gomatrix.RespError when the body parses as one.
func (fc *Client) DoRequestAndParseResponse(ctx context.Context, req *http.Request, result interface{}) error {
	response, err := fc.DoHTTPRequest(ctx, req)
	if response != nil {
		defer response.Body.Close() // nolint: errcheck
	}
	if err != nil {
		return err
	}

	if response.StatusCode/100 != 2 {
		contents, err := io.ReadAll(response.Body)
		if err != nil {
			return err
		}
		var wrap error
		var respErr gomatrix.RespError
		if _ = json.Unmarshal(contents, &respErr); respErr.ErrCode != "" {
			wrap = respErr
		}
		msg := fmt.Sprintf("Failed to %s JSON (hostname %q path %q)", req.Method, req.Host, req.URL.Path)
		if wrap == nil {
			msg += ": " + string(contents)
		}
		return gomatrix.HTTPError{
			Code:         response.StatusCode,
			Message:      msg,
			WrappedError: wrap,
			Contents:     contents,
		}
	}

	return json.NewDecoder(response.Body).Decode(result)
}

// DoHTTPRequest tags the request with an outgoing request ID for
// logging and sends it. A nil error means the caller owns the response
// body and must close it.
func (fc *Client) DoHTTPRequest(ctx context.Context, req *http.Request) (*http.Response, error) {
	reqID := util.RandomString(12)
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"out.req.ID":     reqID,
		"out.req.method": req.Method,
		"out.req.uri":    req.URL,
	})
	logger.Trace("Outgoing request")
	newCtx := util.ContextWithLogger(ctx, logger)
	if fc.userAgent != "" {
		req.Header.Set("User-Agent", fc.userAgent)
	}

	start := time.Now()
	resp, err := fc.client.Do(req.WithContext(newCtx))
	if err != nil {
		logger.WithField("error", err).Debug("Outgoing request failed")
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"out.req.code":        resp.StatusCode,
		"out.req.duration_ms": int(time.Since(start) / time.Millisecond),
	}).Trace("Outgoing request returned")
	return resp, nil
}
