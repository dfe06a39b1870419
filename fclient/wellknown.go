package fclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hearth-im/hearth/spec"
)

// wellKnownTimeout bounds the delegation lookup so a slow or blackholed
// server cannot stall resolution.
const wellKnownTimeout = 10 * time.Second

// A WellKnownResult is the delegation record published at
// https://<server_name>/.well-known/matrix/server.
type WellKnownResult struct {
	NewAddress spec.ServerName `json:"m.server"`
}

// LookupWellKnown fetches the well-known delegation record for a server
// name. It returns an error if the server publishes none or publishes
// something unusable.
func LookupWellKnown(ctx context.Context, serverName spec.ServerName) (*WellKnownResult, error) {
	ctx, cancel := context.WithTimeout(ctx, wellKnownTimeout)
	defer cancel()

	url := "https://" + string(serverName) + "/.well-known/matrix/server"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() // nolint: errcheck
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("fclient: no .well-known found for %q", serverName)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result WellKnownResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("fclient: malformed .well-known for %q: %w", serverName, err)
	}
	if _, _, valid := spec.ParseAndValidateServerName(result.NewAddress); !valid {
		return nil, fmt.Errorf("fclient: .well-known for %q delegates to invalid name %q", serverName, result.NewAddress)
	}
	return &result, nil
}
