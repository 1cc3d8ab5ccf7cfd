// Package timezone validates and normalizes user-supplied IANA zone
// identifiers. It is the service of record for "what calendar day is it for
// this user."
//
// Unknown or malformed input never raises: the resolver degrades silently to
// "no opinion" and lets the caller fall back to the profile's stored zone or
// UTC. Mobile clients send whatever the device reports, so leniency here is
// load-bearing.
package timezone

import (
	"strings"
	"time"
)

// Resolve returns the location and canonical name for a candidate zone
// identifier, or ok=false if the candidate does not name a real IANA zone.
//
// Pure lookup against the system zone database; no side effects.
func Resolve(candidate string) (*time.Location, string, bool) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, "", false
	}
	// time.LoadLocation("") and "Local" both succeed but do not name a
	// stable zone for day bucketing.
	if candidate == "Local" {
		return nil, "", false
	}
	loc, err := time.LoadLocation(candidate)
	if err != nil {
		return nil, "", false
	}
	return loc, loc.String(), true
}

// MustLoad returns the location for a zone name already known to be valid
// (typically one read back from a profile), falling back to UTC if the zone
// database has since changed.
func MustLoad(name string) *time.Location {
	if loc, _, ok := Resolve(name); ok {
		return loc
	}
	return time.UTC
}
