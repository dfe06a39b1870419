package fclient

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/hearth-im/hearth/spec"
	"github.com/miekg/dns"
)

const federationDefaultPort = 8448

// A ResolutionResult is one place a federation request for a server name
// may be sent.
type ResolutionResult struct {
	// The host:port to connect to.
	Destination string
	// The value of the Host header.
	Host spec.ServerName
	// The TLS server name to request a certificate for.
	TLSServerName string
}

// srvResolver looks up the matrix SRV record for a server name. The
// default implementation queries the system's configured nameservers.
type srvResolver interface {
	lookupSRV(ctx context.Context, name string) ([]*dns.SRV, error)
}

type systemSRVResolver struct{}

func (systemSRVResolver) lookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("fclient: cannot read resolver configuration: %w", err)
	}
	if len(config.Servers) == 0 {
		return nil, fmt.Errorf("fclient: no nameservers configured")
	}

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn("_matrix._tcp."+name), dns.TypeSRV)
	client := new(dns.Client)

	var lastErr error
	for _, server := range config.Servers {
		response, _, err := client.ExchangeContext(ctx, query, net.JoinHostPort(server, config.Port))
		if err != nil {
			lastErr = err
			continue
		}
		var records []*dns.SRV
		for _, answer := range response.Answer {
			if srv, ok := answer.(*dns.SRV); ok {
				records = append(records, srv)
			}
		}
		return records, nil
	}
	return nil, lastErr
}

var defaultSRVResolver srvResolver = systemSRVResolver{}

// ResolveServer finds the places a federation request for the given
// server name may be sent: an IP literal or explicit port is used as
// written, otherwise the server's well-known delegation and matrix SRV
// record are consulted, falling back to the server name on port 8448.
func ResolveServer(ctx context.Context, serverName spec.ServerName) ([]ResolutionResult, error) {
	return resolveServer(ctx, serverName, true)
}

func resolveServer(ctx context.Context, serverName spec.ServerName, checkWellKnown bool) ([]ResolutionResult, error) {
	host, port, valid := spec.ParseAndValidateServerName(serverName)
	if !valid {
		return nil, fmt.Errorf("fclient: invalid server name %q", serverName)
	}

	// An IPv6 literal keeps its brackets in the server name but not in
	// the address we parse.
	if host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	if net.ParseIP(host) != nil {
		destination := string(serverName)
		if port == -1 {
			destination = net.JoinHostPort(host, strconv.Itoa(federationDefaultPort))
		}
		return []ResolutionResult{{
			Destination:   destination,
			Host:          serverName,
			TLSServerName: host,
		}}, nil
	}

	if port != -1 {
		return []ResolutionResult{{
			Destination:   string(serverName),
			Host:          serverName,
			TLSServerName: host,
		}}, nil
	}

	if checkWellKnown {
		if delegated, err := LookupWellKnown(ctx, serverName); err == nil {
			// The delegated name is authoritative; don't chase its
			// well-known in turn.
			return resolveServer(ctx, delegated.NewAddress, false)
		}
	}
	return resolveViaSRV(ctx, serverName), nil
}

// resolveViaSRV consults the matrix SRV record, falling back to the
// server name itself on the default federation port.
func resolveViaSRV(ctx context.Context, serverName spec.ServerName) []ResolutionResult {
	records, err := defaultSRVResolver.lookupSRV(ctx, string(serverName))
	if err == nil && len(records) > 0 {
		sortSRVRecords(records)
		results := make([]ResolutionResult, 0, len(records))
		for _, rec := range records {
			target := rec.Target
			if target != "" && target[len(target)-1] == '.' {
				target = target[:len(target)-1]
			}
			results = append(results, ResolutionResult{
				Destination:   fmt.Sprintf("%s:%d", target, rec.Port),
				Host:          serverName,
				TLSServerName: string(serverName),
			})
		}
		return results
	}
	return []ResolutionResult{{
		Destination:   fmt.Sprintf("%s:%d", serverName, federationDefaultPort),
		Host:          serverName,
		TLSServerName: string(serverName),
	}}
}

// sortSRVRecords orders records by priority, with heavier weights first
// within a priority band.
func sortSRVRecords(records []*dns.SRV) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
}
