package graphfetch

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheKey identifies one object within a mapping and instance set. Keys
// compare by value.
//
// Space partitions a backing store shared by several caches. Callers leave
// it empty; each cache sets its own before reading or writing the store.
type CacheKey struct {
	Space         string `json:"space,omitempty"`
	MappingID     string `json:"mappingId"`
	InstanceSetID string `json:"instanceSetId"`
	Identity      string `json:"identity"`
}

// NewCacheKey builds a key from an identity tuple such as a primary key.
func NewCacheKey(mappingID, instanceSetID string, values ...any) CacheKey {
	return CacheKey{MappingID: mappingID, InstanceSetID: instanceSetID, Identity: Tuple(values...)}
}

func (k CacheKey) String() string {
	s := k.MappingID + "|" + k.InstanceSetID + "|" + k.Identity
	if k.Space != "" {
		s = k.Space + "|" + s
	}
	return s
}

// Tuple encodes values canonically so that equal values from different
// sources (a JSON float and a SQL integer, say) encode the same way.
func Tuple(values ...any) string {
	norm := make([]any, len(values))
	for i, v := range values {
		norm[i] = Normalize(v)
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return fmt.Sprint(norm)
	}
	return string(b)
}

// Normalize maps numeric kinds to float64, byte slices to strings and
// times to RFC 3339 strings.
func Normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// Equal compares two key values after normalization.
func Equal(a, b any) bool {
	return Tuple(a) == Tuple(b)
}
