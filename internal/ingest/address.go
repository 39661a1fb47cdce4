package ingest

import "strings"

// addressSuffixes are provider routing suffixes stripped during
// normalization. The bare identifier before the suffix is the stable key.
var addressSuffixes = []string{
	"@s.whatsapp.net",
	"@c.us",
	"@g.us",
	"@broadcast",
}

// NormalizeAddress strips provider routing suffixes from a raw remote
// address and reports whether it denotes a group conversation. Addresses
// without a known suffix pass through unchanged.
func NormalizeAddress(raw string) (addr string, isGroup bool) {
	addr = strings.TrimSpace(raw)
	for _, suffix := range addressSuffixes {
		if strings.HasSuffix(addr, suffix) {
			isGroup = suffix == "@g.us"
			addr = strings.TrimSuffix(addr, suffix)
			break
		}
	}
	return addr, isGroup
}
