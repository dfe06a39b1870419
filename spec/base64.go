package spec

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Base64Bytes is a byte slice that is encoded as unpadded base64 when used
// in JSON. Decoding tolerates both the standard and URL-safe alphabets
// since remote servers are inconsistent about which they emit.
type Base64Bytes []byte

// Encode encodes the bytes as unpadded standard base64.
func (b64 Base64Bytes) Encode() string {
	return base64.RawStdEncoding.EncodeToString(b64)
}

// Decode decodes str into the receiver.
func (b64 *Base64Bytes) Decode(str string) error {
	var err error
	if strings.ContainsAny(str, "-_") {
		*b64, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(str, "="))
	} else {
		*b64, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(str, "="))
	}
	return err
}

// MarshalJSON implements json.Marshaler.
func (b64 Base64Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b64.Encode())
}

// UnmarshalJSON implements json.Unmarshaler.
func (b64 *Base64Bytes) UnmarshalJSON(raw []byte) error {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return err
	}
	return b64.Decode(str)
}
