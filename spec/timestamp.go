package spec

import "time"

// A Timestamp is a millisecond posix timestamp as used on the wire.
type Timestamp int64

// AsTimestamp converts a time.Time into a wire timestamp.
func AsTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / int64(time.Millisecond))
}

// Time converts the wire timestamp back into a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t)/1000, int64(t)%1000*int64(time.Millisecond))
}
