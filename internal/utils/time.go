package utils

import (
	"time"
)

const gatewayTimeLayout = "2006-01-02 15:04:05"

// ParseGatewayTime parses the gateway's local "YYYY-MM-DD HH:MM:SS" timestamps.
// Empty or malformed input yields nil.
func ParseGatewayTime(value string, loc *time.Location) *time.Time {
	if value == "" {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(gatewayTimeLayout, value, loc)
	if err != nil {
		return nil
	}
	return &t
}

// UnixTimeToTime converts a Unix timestamp to a time.Time object
func UnixTimeToTime(unixTime int64) time.Time {
	return time.Unix(unixTime, 0)
}
