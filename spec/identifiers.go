package spec

import (
	"fmt"
	"strings"
)

// Sigils for the identifier grammar. Every federated identifier is a
// sigil, a localpart and a domain separated by a colon, except event IDs
// in hash-derived rooms which are a sigil followed by an opaque hash.
const (
	SigilUser  = '@'
	SigilRoom  = '!'
	SigilEvent = '$'
	SigilAlias = '#'
)

// SplitID splits a federated identifier of the form "&localpart:domain"
// into its localpart and domain, checking the leading sigil.
func SplitID(sigil byte, id string) (local string, domain ServerName, err error) {
	if len(id) == 0 || id[0] != sigil {
		return "", "", fmt.Errorf("invalid ID %q: doesn't start with %q", id, sigil)
	}
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid ID %q: missing ':'", id)
	}
	return parts[0][1:], ServerName(parts[1]), nil
}

// ValidUserID reports whether id looks like "@localpart:domain" with a
// valid server name.
func ValidUserID(id string) bool {
	return validSigilID(SigilUser, id)
}

// ValidRoomID reports whether id looks like "!opaque:domain" with a valid
// server name.
func ValidRoomID(id string) bool {
	return validSigilID(SigilRoom, id)
}

// ValidEventID reports whether id starts with '$'. Hash-derived event IDs
// carry no domain part so only the sigil is checked.
func ValidEventID(id string) bool {
	return len(id) > 1 && id[0] == SigilEvent
}

func validSigilID(sigil byte, id string) bool {
	_, domain, err := SplitID(sigil, id)
	if err != nil {
		return false
	}
	_, _, ok := ParseAndValidateServerName(domain)
	return ok
}
