package geo

import "time"

// Default thresholds for the significance filter. Two meters of movement or
// one second of silence is enough to record a fix; anything tighter is GPS
// jitter.
const (
	DefaultMinDistanceMeters = 2.0
	DefaultMinInterval       = time.Second
)

// LastKnown is the previously accepted position, kept in memory by the
// publishing side only. It exists solely to feed the filter and is reset
// whenever a session starts.
type LastKnown struct {
	Lat float64
	Lng float64
	At  time.Time
}

// Filter decides whether a raw fix is significant enough to record. A fix is
// accepted when it moved at least MinDistanceMeters from the last accepted
// position, or when at least MinInterval has elapsed since it. A stationary
// device still produces one sample per interval while jitter inside both
// thresholds is suppressed.
//
// The filter is pure: it never mutates its inputs. Callers that get an
// accept must replace their LastKnown with the candidate before evaluating
// the next fix.
type Filter struct {
	MinDistanceMeters float64
	MinInterval       time.Duration
}

// DefaultFilter returns a Filter with the standard thresholds.
func DefaultFilter() Filter {
	return Filter{
		MinDistanceMeters: DefaultMinDistanceMeters,
		MinInterval:       DefaultMinInterval,
	}
}

// Accept reports whether the candidate fix should be recorded. A nil prev
// means no fix has been accepted yet, which always passes. Coordinates must
// already be validated with ValidCoords; Accept assumes finite inputs.
func (f Filter) Accept(prev *LastKnown, lat, lng float64, now time.Time) bool {
	if prev == nil {
		return true
	}
	if Distance(prev.Lat, prev.Lng, lat, lng) >= f.MinDistanceMeters {
		return true
	}
	return now.Sub(prev.At) >= f.MinInterval
}
