package chain

import (
	"sort"
	"strconv"
	"strings"
)

// Well-known metadata keys.
const (
	MetadataWithCDN          = "withCDN"
	MetadataWithIPFSIndexing = "withIPFSIndexing"
	MetadataIPFSRootCID      = "ipfsRootCID"
)

// A MetadataEntry is a key/value pair attached to a data set or piece.
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MetadataMatches reports whether a data set's metadata satisfies the
// requested metadata. An empty request matches anything; otherwise the
// maps must be equal.
func MetadataMatches(actual, requested map[string]string) bool {
	if len(requested) == 0 {
		return true
	} else if len(actual) != len(requested) {
		return false
	}
	for k, v := range requested {
		if av, ok := actual[k]; !ok || av != v {
			return false
		}
	}
	return true
}

// CombineMetadata returns a copy of m with the CDN key added when withCDN is
// set and the key is not already present.
func CombineMetadata(m map[string]string, withCDN bool) map[string]string {
	combined := make(map[string]string, len(m)+1)
	for k, v := range m {
		combined[k] = v
	}
	if _, ok := combined[MetadataWithCDN]; withCDN && !ok {
		combined[MetadataWithCDN] = ""
	}
	return combined
}

// SortedMetadata returns the entries of m ordered by key.
func SortedMetadata(m map[string]string) []MetadataEntry {
	entries := make([]MetadataEntry, 0, len(m))
	for k, v := range m {
		entries = append(entries, MetadataEntry{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// FormatMetadata renders m deterministically, e.g. {a="1", withCDN=""}.
func FormatMetadata(m map[string]string) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, e := range SortedMetadata(m) {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.Key)
		sb.WriteString("=")
		sb.WriteString(strconv.Quote(e.Value))
	}
	sb.WriteByte('}')
	return sb.String()
}
