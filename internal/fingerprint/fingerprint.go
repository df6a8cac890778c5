// Package fingerprint computes the deterministic, comparable summary of
// committed index content described in spec.md §4.4: two replicas holding
// the same committed updates up to the same version cutoff must produce
// equal fingerprints. The commutative-hash-over-a-map technique is grounded
// on the teacher's internal/store/vector_clock.go Merge/Compare style
// (order-independent accumulation over a set of (key, value) pairs),
// adapted here from causality tracking to content hashing.
package fingerprint

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// Fingerprint is spec.md §4.4's summary: {maxVersionSpecified,
// maxVersionEncountered, maxDoc, numDocs, hash}.
type Fingerprint struct {
	MaxVersionSpecified  int64
	MaxVersionEncountered int64
	MaxDoc               int64
	NumDocs              int64
	Hash                 uint64
}

// Document is the minimal shape Compute needs from the opaque index engine:
// a document's stable id and the version it was last written at.
type Document struct {
	DocID   string
	Version int64
}

// DocumentSource is the opaque index-engine primitive this package consumes
// (spec.md §1: "index writer/searcher ... opaque primitives"). Visible must
// yield every document with Version <= maxVersionSpecified, in any order.
type DocumentSource interface {
	Visible(maxVersionSpecified int64) ([]Document, error)
	MaxDoc() int64
}

// Compute iterates all documents visible at maxVersionSpecified, accumulating
// a commutative hash over (docID, version) so two replicas with the same
// committed content at the same cutoff always agree regardless of
// iteration order.
func Compute(src DocumentSource, maxVersionSpecified int64) (Fingerprint, error) {
	docs, err := src.Visible(maxVersionSpecified)
	if err != nil {
		return Fingerprint{}, err
	}

	var acc uint64
	var maxEncountered int64
	for _, d := range docs {
		acc ^= hashPair(d.DocID, d.Version) // XOR: commutative, order independent
		if d.Version > maxEncountered {
			maxEncountered = d.Version
		}
	}

	return Fingerprint{
		MaxVersionSpecified:   maxVersionSpecified,
		MaxVersionEncountered: maxEncountered,
		MaxDoc:                src.MaxDoc(),
		NumDocs:               int64(len(docs)),
		Hash:                  acc,
	}, nil
}

// Compare returns 0 iff a and b are semantically equal: same hash, numDocs,
// and maxVersionEncountered (spec.md §4.4). A non-zero result carries no
// ordering meaning, only "not equal" — callers should treat any non-zero
// return as a mismatch, not compare its sign.
func Compare(a, b Fingerprint) int {
	if a.Hash == b.Hash && a.NumDocs == b.NumDocs && a.MaxVersionEncountered == b.MaxVersionEncountered {
		return 0
	}
	return 1
}

func hashPair(docID string, version int64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(docID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(version))
	h.Write(buf[:])
	return h.Sum64()
}

// AtHead is the sentinel "no cutoff" value for getFingerprint/getVersions
// wire calls (spec.md §6: "maxVersion=MAX_INT64 means at head").
const AtHead = math.MaxInt64
