package source

import (
	"encoding/json"
	"strconv"
)

// document is a loosely-typed JSON object as the vendor cloud returns it. The
// same concept can appear under several field names and numbers are sometimes
// encoded as strings, so all lookups go through the probe helpers below and
// the rest of the package never touches raw keys.
type document map[string]json.RawMessage

// asNumber decodes a raw JSON value that is either a number or a numeric
// string.
func asNumber(raw json.RawMessage) (float64, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if f, err := n.Float64(); err == nil {
			return f, true
		}
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// probeNumber returns the first present numeric value among the candidate
// keys, in order.
func probeNumber(doc document, keys ...string) (float64, bool) {
	for _, k := range keys {
		raw, ok := doc[k]
		if !ok || string(raw) == "null" {
			continue
		}
		if f, ok := asNumber(raw); ok {
			return f, true
		}
	}
	return 0, false
}

// probeObject returns the first present nested object among the candidate
// keys.
func probeObject(doc document, keys ...string) (document, bool) {
	for _, k := range keys {
		raw, ok := doc[k]
		if !ok || string(raw) == "null" {
			continue
		}
		var nested document
		if err := json.Unmarshal(raw, &nested); err == nil {
			return nested, true
		}
	}
	return nil, false
}

// probeSeries returns the first present array among the candidate keys,
// decoded as a gap-preserving series: null entries and non-numeric entries
// stay nil.
func probeSeries(doc document, keys ...string) ([]*float64, bool) {
	for _, k := range keys {
		raw, ok := doc[k]
		if !ok || string(raw) == "null" {
			continue
		}
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			continue
		}
		series := make([]*float64, len(entries))
		for i, e := range entries {
			if string(e) == "null" {
				continue
			}
			if f, ok := asNumber(e); ok {
				v := f
				series[i] = &v
			}
		}
		return series, true
	}
	return nil, false
}
