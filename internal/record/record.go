// Package record defines the versioned resource envelope and its attached
// search-index rows. Shape mirrors the wide, mostly-nullable row scanning
// the teacher's ephemeral SQLite store uses for its issue rows, generalized
// to a polymorphic index-row family.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Key identifies a resource at a specific version. A zero Version means
// "current" in read paths that resolve against the live pointer row.
type Key struct {
	Type      string
	LogicalID string
	Version   int64
}

// Record is one historical or current row for a resource. RowVersion is the
// backend-assigned optimistic-concurrency token (distinct from the clinical
// Version) referenced by the two-attempt optimistic upsert path.
type Record struct {
	Type            string
	LogicalID       string
	Version         int64
	IsDeleted       bool
	LastModified    time.Time
	RequestMethod   string
	RawBytes        []byte
	MetaEmbedded    bool
	SearchParamHash string
	IndexRows       []IndexRow

	RowVersion string
}

// Family enumerates the typed index-row shapes a search parameter can
// extract into.
type Family int

const (
	FamilyToken Family = iota
	FamilyString
	FamilyReference
	FamilyQuantity
	FamilyDate
	FamilyNumeric
	FamilyURI
	FamilyComposite
)

func (f Family) String() string {
	switch f {
	case FamilyToken:
		return "token"
	case FamilyString:
		return "string"
	case FamilyReference:
		return "reference"
	case FamilyQuantity:
		return "quantity"
	case FamilyDate:
		return "date"
	case FamilyNumeric:
		return "numeric"
	case FamilyURI:
		return "uri"
	case FamilyComposite:
		return "composite"
	default:
		return "unknown"
	}
}

// IndexRow is one extracted search-parameter value. Only the fields for its
// Family are populated; the rest are zero values, the same polymorphic
// nullable-column pattern the teacher's scanIssue uses for optional fields.
type IndexRow struct {
	ParamName string
	Family    Family

	TokenSystem string
	TokenCode   string

	StringValue string

	ReferenceType string
	ReferenceID   string

	QuantityValue  float64
	QuantitySystem string
	QuantityCode   string

	DateStart time.Time
	DateEnd   time.Time

	NumericValue float64

	URIValue string

	CompositeOf []IndexRow
}

// Fingerprint returns a short hex digest over the sorted, canonical encoding
// of the given index rows. Equal row sets (in any order) give equal
// digests, so callers can compare digests to tell whether re-extraction
// changed a record's rows; no write path in this module calls it.
func Fingerprint(rows []IndexRow) string {
	encoded := make([]string, len(rows))
	for i, r := range rows {
		encoded[i] = encodeRow(r)
	}
	sort.Strings(encoded)
	sum := sha256.Sum256([]byte(strings.Join(encoded, "\x1f")))
	return hex.EncodeToString(sum[:])[:16]
}

func encodeRow(r IndexRow) string {
	var b strings.Builder
	b.WriteString(r.ParamName)
	b.WriteByte(0)
	b.WriteString(r.Family.String())
	b.WriteByte(0)
	switch r.Family {
	case FamilyToken:
		b.WriteString(r.TokenSystem)
		b.WriteByte(0)
		b.WriteString(r.TokenCode)
	case FamilyString:
		b.WriteString(r.StringValue)
	case FamilyReference:
		b.WriteString(r.ReferenceType)
		b.WriteByte(0)
		b.WriteString(r.ReferenceID)
	case FamilyQuantity:
		b.WriteString(strconv.FormatFloat(r.QuantityValue, 'g', -1, 64))
		b.WriteByte(0)
		b.WriteString(r.QuantitySystem)
		b.WriteByte(0)
		b.WriteString(r.QuantityCode)
	case FamilyDate:
		b.WriteString(r.DateStart.UTC().Format(time.RFC3339Nano))
		b.WriteByte(0)
		b.WriteString(r.DateEnd.UTC().Format(time.RFC3339Nano))
	case FamilyNumeric:
		b.WriteString(strconv.FormatFloat(r.NumericValue, 'g', -1, 64))
	case FamilyURI:
		b.WriteString(r.URIValue)
	case FamilyComposite:
		for _, c := range r.CompositeOf {
			b.WriteString(encodeRow(c))
		}
	}
	return b.String()
}

// Current reports whether this record represents the live (non-historical,
// non-deleted) version of a resource.
func (r *Record) Current(currentVersion int64) bool {
	return !r.IsDeleted && r.Version == currentVersion
}
