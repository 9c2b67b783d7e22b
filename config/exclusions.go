package config

import (
	"fmt"
	"os"
	"strings"
)

// Exclusions is the set of chat usernames that must never be written to any
// downstream service. The set is read-only after loading.
type Exclusions map[string]struct{}

// Excluded reports whether a username is on the exclusion list.
func (e Exclusions) Excluded(username string) bool {
	_, ok := e[username]
	return ok
}

// LoadExclusions reads the excluded-users file: one username per line,
// whitespace trimmed, blank lines ignored. A missing file yields an empty
// set; unlike the permissions matrix, exclusions are optional.
func LoadExclusions(path string) (Exclusions, error) {
	out := make(Exclusions)
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("reading excluded users %s: %w", path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		username := strings.TrimSpace(line)
		if username == "" {
			continue
		}
		out[username] = struct{}{}
	}
	return out, nil
}
