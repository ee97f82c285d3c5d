package query

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/thebtf/recall/pkg/models"
)

// Fingerprint computes the stable cache identity of a query: a hex SHA-256
// over the trimmed text, the context entries, and the filters, each in a
// canonical order. Same fingerprint means interchangeable result.
func Fingerprint(text string, context map[string]string, filters []models.QueryFilter) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(text)))
	h.Write([]byte{0})

	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(context[k]))
		h.Write([]byte{0})
	}

	canonical := make([]string, 0, len(filters))
	for _, f := range filters {
		canonical = append(canonical, f.Field+"|"+string(f.Operator)+"|"+f.Value)
	}
	sort.Strings(canonical)
	for _, c := range canonical {
		h.Write([]byte(c))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}
