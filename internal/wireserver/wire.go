// Package wireserver implements the HTTP wire protocol of spec.md §6 in
// both directions: Server exposes the endpoints a leader (or a follower
// receiving a fetchindex kick) answers; Client issues them. Route shape and
// middleware stack (recovery + structured request logging) grounded on the
// teacher's internal/api/handlers.go and middleware.go gin wiring.
package wireserver

import (
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"replicacore/internal/updatelog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type fingerprintWire struct {
	MaxVersionSpecified   int64  `json:"maxVersionSpecified"`
	MaxVersionEncountered int64  `json:"maxVersionEncountered"`
	MaxDoc                int64  `json:"maxDoc"`
	NumDocs               int64  `json:"numDocs"`
	Hash                  uint64 `json:"hash"`
}

type versionsResponse struct {
	Versions    []int64         `json:"versions"`
	Fingerprint fingerprintWire `json:"fingerprint"`
}

type fingerprintResponse struct {
	Fingerprint fingerprintWire `json:"fingerprint"`
}

type wireUpdate struct {
	Op      int    `json:"op"`
	Version int64  `json:"version"`
	Payload []byte `json:"payload"`
}

type updatesResponse struct {
	Updates []wireUpdate `json:"updates"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// encodeVersionSpec renders a VersionSpec the way spec.md §6 describes:
// either a comma-separated list of signed versions, or a "lo..hi,lo..hi"
// range encoding. A spec never mixes both in this implementation.
func encodeVersionSpec(spec updatelog.VersionSpec) string {
	if len(spec.Ranges) > 0 {
		parts := make([]string, 0, len(spec.Ranges))
		for _, r := range spec.Ranges {
			parts = append(parts, strconv.FormatInt(r[0], 10)+".."+strconv.FormatInt(r[1], 10))
		}
		return strings.Join(parts, ",")
	}
	parts := make([]string, 0, len(spec.Versions))
	for _, v := range spec.Versions {
		parts = append(parts, strconv.FormatInt(v, 10))
	}
	return strings.Join(parts, ",")
}

// ParseVersionSpec parses a "v,v,lo..hi" string into a VersionSpec, for CLI
// callers that want to request specific updates without constructing one by
// hand.
func ParseVersionSpec(raw string) updatelog.VersionSpec {
	return decodeVersionSpec(raw)
}

// decodeVersionSpec parses what encodeVersionSpec produces.
func decodeVersionSpec(raw string) updatelog.VersionSpec {
	var spec updatelog.VersionSpec
	if raw == "" {
		return spec
	}
	for _, part := range strings.Split(raw, ",") {
		if lo, hi, ok := strings.Cut(part, ".."); ok {
			loV, errLo := strconv.ParseInt(lo, 10, 64)
			hiV, errHi := strconv.ParseInt(hi, 10, 64)
			if errLo == nil && errHi == nil {
				spec.Ranges = append(spec.Ranges, [2]int64{loV, hiV})
			}
			continue
		}
		if v, err := strconv.ParseInt(part, 10, 64); err == nil {
			spec.Versions = append(spec.Versions, v)
		}
	}
	return spec
}

func toWireUpdates(updates []updatelog.Update) []wireUpdate {
	out := make([]wireUpdate, 0, len(updates))
	for _, u := range updates {
		out = append(out, wireUpdate{Op: int(u.Op), Version: u.Version, Payload: u.Payload})
	}
	return out
}

func fromWireUpdates(wire []wireUpdate) []updatelog.Update {
	out := make([]updatelog.Update, 0, len(wire))
	for _, w := range wire {
		out = append(out, updatelog.Update{Op: updatelog.OpCode(w.Op), Version: w.Version, Payload: w.Payload})
	}
	return out
}
