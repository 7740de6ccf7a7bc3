package nodes

import (
	"encoding/json"
	"hash/fnv"
	"strconv"
)

// Fingerprint returns a stable hash of data's JSON form. encoding/json
// sorts map keys, so equal values always hash equal regardless of map
// iteration order. Unmarshalable data hashes to "".
func Fingerprint(data any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(raw)
	return strconv.FormatUint(h.Sum64(), 16)
}
