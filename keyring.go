package hearth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hearth-im/hearth/spec"
	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"
)

// A PublicKeyLookupRequest is a request for a public key with a particular
// key ID.
type PublicKeyLookupRequest struct {
	// The server to fetch a key for.
	ServerName spec.ServerName `json:"server_name"`
	// The ID of the key to fetch.
	KeyID KeyID `json:"key_id"`
}

// MarshalText renders the lookup request in a string format, which allows
// it to be used as a JSON map key.
func (r PublicKeyLookupRequest) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%s/%s", r.ServerName, r.KeyID)), nil
}

// UnmarshalText turns the string form back into a lookup request.
func (r *PublicKeyLookupRequest) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), "/", 2)
	if len(parts) < 2 {
		return errors.New("expected a / separator in " + string(text))
	}
	r.ServerName, r.KeyID = spec.ServerName(parts[0]), KeyID(parts[1])
	return nil
}

// PublicKeyNotExpired is a magic ExpiredTS value for a key that is still
// active.
const PublicKeyNotExpired = spec.Timestamp(0)

// PublicKeyNotValid is a magic ValidUntilTS value for a key with no known
// validity period (an expired key, typically).
const PublicKeyNotValid = spec.Timestamp(0)

// A PublicKeyLookupResult is the result of looking up a server signing key.
type PublicKeyLookupResult struct {
	VerifyKey
	// If the key has expired, when it stopped being valid for event
	// signing; PublicKeyNotExpired otherwise.
	ExpiredTS spec.Timestamp `json:"expired_ts"`
	// When this result stops being valid; PublicKeyNotValid if expired.
	ValidUntilTS spec.Timestamp `json:"valid_until_ts"`
}

// WasValidAt checks whether the key is valid for an event signed at the
// given timestamp. Under strict checking, a key may not be used beyond
// its validity period plus seven days.
func (r PublicKeyLookupResult) WasValidAt(atTS spec.Timestamp, strictValidityChecking bool) bool {
	if r.ExpiredTS != PublicKeyNotExpired {
		return atTS < r.ExpiredTS
	}
	if strictValidityChecking {
		if r.ValidUntilTS == PublicKeyNotValid {
			return false
		}
		validUntil := r.ValidUntilTS.Time()
		if sevenDays := time.Now().Add(7 * 24 * time.Hour); validUntil.After(sevenDays) {
			validUntil = sevenDays
		}
		if atTS.Time().After(validUntil) {
			return false
		}
	}
	return true
}

// A KeyFetcher is a way of fetching public keys in bulk. The result may
// contain fewer or more entries than the request; absent entries mean the
// fetcher could not obtain the key.
type KeyFetcher interface {
	FetchKeys(ctx context.Context, requests map[PublicKeyLookupRequest]spec.Timestamp) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error)
	// FetcherName names the fetcher for logging.
	FetcherName() string
}

// A KeyDatabase caches fetched public keys. A partially-visible concurrent
// store is acceptable: the database is only a cache and missing keys are
// simply refetched.
type KeyDatabase interface {
	KeyFetcher
	StoreKeys(ctx context.Context, results map[PublicKeyLookupRequest]PublicKeyLookupResult) error
}

// A VerifyJSONRequest is a request to check for a signature on a JSON
// message. A message is valid for a server if it carries at least one
// valid signature from that server.
type VerifyJSONRequest struct {
	// The name of the server to check for a signature from.
	ServerName spec.ServerName
	// The millisecond timestamp the message needs to be valid at.
	AtTS spec.Timestamp
	// The JSON bytes to verify.
	Message []byte
	// Whether key validity periods are enforced (room version >= 5).
	StrictValidityChecking bool
}

// A VerifyJSONResult is the result of checking one signature. Error is nil
// when the message passed.
type VerifyJSONResult struct {
	Error error
}

// A JSONVerifier verifies signatures on JSON messages in bulk.
type JSONVerifier interface {
	// VerifyJSONs returns one result per request, in order. A returned
	// error means the verifier itself failed (for example the key cache
	// was unreachable), not that a signature was bad.
	VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error)
}

// A KeyRing stores and fetches keys for remote servers and verifies JSON
// signatures with them. Verification fails closed: any lookup, network or
// decode problem yields a per-request error, never a panic.
type KeyRing struct {
	KeyFetchers []KeyFetcher
	KeyDatabase KeyDatabase
}

// VerifyJSONs implements JSONVerifier.
func (k KeyRing) VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error) {
	logger := util.GetLogger(ctx)
	results := make([]VerifyJSONResult, len(requests))
	keyIDs := make([][]KeyID, len(requests))

	for i := range requests {
		ids, err := ListKeyIDs(string(requests[i].ServerName), requests[i].Message)
		if err != nil {
			results[i].Error = fmt.Errorf("hearth: error extracting key IDs: %w", err)
			continue
		}
		for _, keyID := range ids {
			if isEd25519KeyID(keyID) {
				keyIDs[i] = append(keyIDs[i], keyID)
			}
		}
		if len(keyIDs[i]) == 0 {
			results[i].Error = fmt.Errorf(
				"hearth: not signed by %q with a supported algorithm", requests[i].ServerName,
			)
			continue
		}
		// Placeholder error: cleared when a signature check passes,
		// overwritten when one fails. It only survives when the keys
		// could not be downloaded at all.
		results[i].Error = fmt.Errorf(
			"hearth: could not download key for %q", requests[i].ServerName,
		)
	}

	keyRequests := k.publicKeyRequests(requests, results, keyIDs)
	if len(keyRequests) == 0 {
		// Every request was missing a supported signature; nothing to fetch.
		return results, nil
	}

	keysFetched := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	now := spec.AsTimestamp(time.Now())
	fromCache, err := k.KeyDatabase.FetchKeys(ctx, keyRequests)
	if err != nil {
		return nil, err
	}
	for req, res := range fromCache {
		keysFetched[req] = res
		// Expired keys never change and in-validity keys need no refresh;
		// only stale entries stay in the fetch queue.
		if res.ExpiredTS != PublicKeyNotExpired || now < res.ValidUntilTS {
			delete(keyRequests, req)
		}
	}

	if len(keyRequests) == 0 {
		k.checkUsingKeys(requests, results, keyIDs, keysFetched)
		allValid := true
		for i := range results {
			if results[i].Error != nil {
				allValid = false
				break
			}
		}
		if allValid {
			return results, nil
		}
		// A cached key failed to verify: fall through and refetch in case
		// the server rotated keys.
		keyRequests = k.publicKeyRequests(requests, results, keyIDs)
	}

	for _, fetcher := range k.KeyFetchers {
		if len(keyRequests) == 0 {
			break
		}
		fetcherLogger := logger.WithField("fetcher", fetcher.FetcherName())
		fetched, err := fetcher.FetchKeys(ctx, keyRequests)
		if err != nil {
			fetcherLogger.WithError(err).Warn("Failed to request keys from fetcher")
			continue
		}
		for req, res := range fetched {
			keysFetched[req] = res
			delete(keyRequests, req)
		}
	}

	k.checkUsingKeys(requests, results, keyIDs, keysFetched)

	if err := k.KeyDatabase.StoreKeys(ctx, keysFetched); err != nil {
		return nil, err
	}
	return results, nil
}

func (k *KeyRing) publicKeyRequests(
	requests []VerifyJSONRequest, results []VerifyJSONResult, keyIDs [][]KeyID,
) map[PublicKeyLookupRequest]spec.Timestamp {
	keyRequests := map[PublicKeyLookupRequest]spec.Timestamp{}
	for i := range requests {
		if results[i].Error == nil {
			continue
		}
		for _, keyID := range keyIDs[i] {
			req := PublicKeyLookupRequest{requests[i].ServerName, keyID}
			// Track the latest timestamp each key needs to be valid at.
			if keyRequests[req] <= requests[i].AtTS {
				keyRequests[req] = requests[i].AtTS
			}
		}
	}
	return keyRequests
}

func (k *KeyRing) checkUsingKeys(
	requests []VerifyJSONRequest, results []VerifyJSONResult, keyIDs [][]KeyID,
	keys map[PublicKeyLookupRequest]PublicKeyLookupResult,
) {
	for i := range requests {
		if results[i].Error == nil {
			continue
		}
		for _, keyID := range keyIDs[i] {
			serverKey, ok := keys[PublicKeyLookupRequest{requests[i].ServerName, keyID}]
			if !ok {
				continue
			}
			if !serverKey.WasValidAt(requests[i].AtTS, requests[i].StrictValidityChecking) {
				results[i].Error = fmt.Errorf(
					"hearth: key %q for %q not valid at %d",
					keyID, requests[i].ServerName, requests[i].AtTS,
				)
				continue
			}
			if err := VerifyJSON(
				string(requests[i].ServerName), keyID, ed25519.PublicKey(serverKey.Key), requests[i].Message,
			); err != nil {
				results[i].Error = err
				continue
			}
			results[i].Error = nil
			break
		}
	}
}

// A MemoryKeyDatabase caches fetched keys in memory with their validity
// metadata. It is the default KeyDatabase.
type MemoryKeyDatabase struct {
	mu   sync.RWMutex
	keys map[PublicKeyLookupRequest]PublicKeyLookupResult
}

// NewMemoryKeyDatabase returns an empty in-memory key cache.
func NewMemoryKeyDatabase() *MemoryKeyDatabase {
	return &MemoryKeyDatabase{keys: map[PublicKeyLookupRequest]PublicKeyLookupResult{}}
}

// FetcherName implements KeyFetcher.
func (db *MemoryKeyDatabase) FetcherName() string { return "MemoryKeyDatabase" }

// FetchKeys implements KeyFetcher.
func (db *MemoryKeyDatabase) FetchKeys(
	_ context.Context, requests map[PublicKeyLookupRequest]spec.Timestamp,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	results := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	for req := range requests {
		if res, ok := db.keys[req]; ok {
			results[req] = res
		}
	}
	return results, nil
}

// StoreKeys implements KeyDatabase.
func (db *MemoryKeyDatabase) StoreKeys(
	_ context.Context, results map[PublicKeyLookupRequest]PublicKeyLookupResult,
) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for req, res := range results {
		db.keys[req] = res
	}
	return nil
}

// A KeyClient can ask a remote server for its published signing keys.
type KeyClient interface {
	GetServerKeys(ctx context.Context, matrixServer spec.ServerName) (ServerKeys, error)
}

// A DirectKeyFetcher fetches keys directly from the origin server.
type DirectKeyFetcher struct {
	// The client used to fetch keys.
	Client KeyClient
	// Per-server fetch timeout; DefaultKeyFetchTimeout when zero.
	Timeout time.Duration
}

// DefaultKeyFetchTimeout bounds each remote key fetch so that a slow peer
// cannot stall verification indefinitely.
const DefaultKeyFetchTimeout = 15 * time.Second

// FetcherName implements KeyFetcher.
func (d DirectKeyFetcher) FetcherName() string { return "DirectKeyFetcher" }

// FetchKeys implements KeyFetcher. Servers are queried concurrently with a
// bounded worker pool; a failure for one server only drops that server's
// keys from the result.
func (d *DirectKeyFetcher) FetchKeys(
	ctx context.Context, requests map[PublicKeyLookupRequest]spec.Timestamp,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	fetcherLogger := util.GetLogger(ctx).WithField("fetcher", d.FetcherName())

	byServer := map[spec.ServerName]struct{}{}
	for req := range requests {
		byServer[req.ServerName] = struct{}{}
	}

	numWorkers := 64
	if len(byServer) < numWorkers {
		numWorkers = len(byServer)
	}

	results := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	var resultsMutex sync.Mutex
	var wait sync.WaitGroup
	wait.Add(numWorkers)

	pending := make(chan spec.ServerName, len(byServer))
	for serverName := range byServer {
		pending <- serverName
	}
	close(pending)

	worker := func(ch <-chan spec.ServerName) {
		defer wait.Done()
		for server := range ch {
			serverResults, err := d.fetchKeysForServer(ctx, server)
			if err != nil {
				fetcherLogger.WithError(err).WithField("server_name", server).
					Warn("Failed to fetch keys for server")
				continue
			}
			resultsMutex.Lock()
			for req, keys := range serverResults {
				results[req] = keys
			}
			resultsMutex.Unlock()
		}
	}
	for i := 0; i < numWorkers; i++ {
		go worker(pending)
	}
	wait.Wait()
	return results, nil
}

func (d *DirectKeyFetcher) fetchKeysForServer(
	ctx context.Context, serverName spec.ServerName,
) (map[PublicKeyLookupRequest]PublicKeyLookupResult, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultKeyFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	keys, err := d.Client.GetServerKeys(ctx, serverName)
	if err != nil {
		return nil, err
	}
	checks, _ := CheckKeys(serverName, time.Unix(0, 0), keys)
	if !checks.AllChecksOK {
		return nil, fmt.Errorf("hearth: key response direct from %q failed checks", serverName)
	}

	results := map[PublicKeyLookupRequest]PublicKeyLookupResult{}
	for keyID, key := range keys.VerifyKeys {
		results[PublicKeyLookupRequest{serverName, keyID}] = PublicKeyLookupResult{
			VerifyKey:    key,
			ValidUntilTS: keys.ValidUntilTS,
			ExpiredTS:    PublicKeyNotExpired,
		}
	}
	for keyID, key := range keys.OldVerifyKeys {
		results[PublicKeyLookupRequest{serverName, keyID}] = PublicKeyLookupResult{
			VerifyKey:    key.VerifyKey,
			ValidUntilTS: PublicKeyNotValid,
			ExpiredTS:    key.ExpiredTS,
		}
	}
	return results, nil
}
