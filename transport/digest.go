package transport

import (
	"crypto/md5"
	"sort"
	"strings"
)

// TypesDigest computes the digest of a type set that Exchange carries in
// AcceptedTypesDigest. The server compares it against its own digest of the
// authoritative set and resends the full set on mismatch, so the digest has
// to be order independent.
func TypesDigest(types []string) []byte {
	sorted := make([]string, len(types))
	copy(sorted, types)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, ";")))
	return sum[:]
}
