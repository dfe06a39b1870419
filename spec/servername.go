package spec

import (
	"net"
	"strconv"
	"strings"
)

// A ServerName identifies a homeserver on the federation. It is a DNS
// name or IP literal, optionally followed by a port.
type ServerName string

// ParseAndValidateServerName splits a ServerName into host and port and
// checks that the host is a plausible DNS name or IP literal. If there is
// no explicit port, port is -1.
func ParseAndValidateServerName(serverName ServerName) (host string, port int, valid bool) {
	if len(serverName) == 0 {
		return
	}

	host, port = splitServerName(serverName)
	if len(host) == 0 {
		return
	}

	if host[0] == '[' {
		// IPv6 literal in brackets.
		if host[len(host)-1] != ']' {
			return
		}
		valid = net.ParseIP(host[1:len(host)-1]) != nil
		return
	}

	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		valid = true
		return
	}

	for _, r := range host {
		if !isDNSNameChar(r) {
			return
		}
	}
	valid = true
	return
}

func isDNSNameChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '.' || r == '_':
		return true
	}
	return false
}

// splitServerName carves off a trailing ":port" if one is present and
// parseable. Bracketed IPv6 literals keep their brackets in the host part.
func splitServerName(serverName ServerName) (string, int) {
	name := string(serverName)
	lastColon := strings.LastIndex(name, ":")
	if lastColon < 0 {
		return name, -1
	}
	if strings.ContainsRune(name[lastColon:], ']') {
		return name, -1
	}
	port, err := strconv.ParseUint(name[lastColon+1:], 10, 16)
	if err != nil {
		return name, -1
	}
	return name[:lastColon], int(port)
}
