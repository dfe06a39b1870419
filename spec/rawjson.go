package spec

// RawJSON is a json.RawMessage that round-trips correctly when used as a
// value type inside other structures.
type RawJSON []byte

// MarshalJSON implements json.Marshaler using a value receiver so that
// RawJSON embedded by value still encodes verbatim.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = RawJSON(data)
	return nil
}
