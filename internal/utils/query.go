package utils

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ecotile-bknd/internal/apperr"
	"ecotile-bknd/internal/geometry"
)

// ParseQueryList handles both repeated and comma-separated query params.
// Example:
//
//	?bbox=-74,40,-73,41          → ["-74","40","-73","41"]
//	?bbox=-74&bbox=40&bbox=-73&bbox=41 → same
func ParseQueryList(q map[string][]string, key string) []string {
	values := q[key]

	if len(values) == 0 {
		return nil
	}

	// If single value contains commas, split it
	if len(values) == 1 && strings.Contains(values[0], ",") {
		parts := strings.Split(values[0], ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}

	cleaned := make([]string, len(values))
	for i, v := range values {
		cleaned[i] = strings.TrimSpace(v)
	}
	return cleaned
}

// QueryFloat returns nil when key is absent and a validation error when it
// is not a number.
func QueryFloat(q url.Values, key string) (*float64, error) {
	s := strings.TrimSpace(q.Get(key))
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, apperr.Validation(key+" must be a number", key, s)
	}
	return &v, nil
}

// QueryInt returns fallback when key is absent.
func QueryInt(q url.Values, key string, fallback int) (int, error) {
	s := strings.TrimSpace(q.Get(key))
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.Validation(key+" must be an integer", key, s)
	}
	return v, nil
}

// QueryBBox parses bbox=minLng,minLat,maxLng,maxLat. An absent bbox is nil.
func QueryBBox(q url.Values, key string) (*geometry.BBox, error) {
	parts := ParseQueryList(q, key)
	if len(parts) == 0 || (len(parts) == 1 && parts[0] == "") {
		return nil, nil
	}
	if len(parts) != 4 {
		return nil, apperr.Validation(key+" must be minLng,minLat,maxLng,maxLat", key, strings.Join(parts, ","))
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, apperr.Validation(key+" must contain four numbers", key, strings.Join(parts, ","))
		}
		v[i] = f
	}
	box := &geometry.BBox{MinLng: v[0], MinLat: v[1], MaxLng: v[2], MaxLat: v[3]}
	if err := box.Validate(); err != nil {
		return nil, apperr.Validation(err.Error(), key, strings.Join(parts, ","))
	}
	return box, nil
}

// ParseTime accepts RFC 3339 timestamps and plain YYYY-MM-DD dates (UTC).
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	return ts, nil
}

// ParseTimeEnd is ParseTime for the inclusive upper bound of a range: a plain
// date means the last microsecond of that day, the finest instant Postgres
// stores.
func ParseTimeEnd(s string) (time.Time, error) {
	ts, err := ParseTime(s)
	if err != nil {
		return ts, err
	}
	if _, err := time.Parse(time.DateOnly, strings.TrimSpace(s)); err == nil {
		ts = ts.AddDate(0, 0, 1).Add(-time.Microsecond)
	}
	return ts, nil
}
