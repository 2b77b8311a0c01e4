package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints the decoded config so a reload that only touched
// whitespace or comments is not applied. 0 means "unknown" and never
// matches a previous fingerprint.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	h := fnv.New64a()
	if err := json.NewEncoder(h).Encode(cfg); err != nil {
		return 0
	}
	return h.Sum64()
}
