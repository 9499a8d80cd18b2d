// Package config layers runtime configuration the way the rest of the
// ambient stack expects: a TOML file, then environment variables, then
// CLI flags, each layer overriding the last into one flat store.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// EnvPrefix is stripped from environment variables considered for
// configuration; "REACTED__dispatch__workers" becomes "dispatch.workers".
const EnvPrefix = "REACTED__"

// Store holds the merged configuration values, keyed by dotted path.
type Store struct {
	Values map[string]any
}

// Load builds a Store from, in increasing precedence: a TOML file at
// path (if it exists), environment variables under EnvPrefix, and argv
// (flag-style "--key value" / "--key=value" / "-k value" arguments).
func Load(path string, argv []string) *Store {
	store := &Store{Values: make(map[string]any)}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var data map[string]any
			if _, err := toml.DecodeFile(path, &data); err == nil {
				mergeMaps(store.Values, data, "")
			}
		}
	}

	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, EnvPrefix) {
			continue
		}
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key := strings.TrimPrefix(pair[0], EnvPrefix)
		key = strings.ReplaceAll(key, "__", ".")
		store.Values[key] = pair[1]
	}

	options, _ := ParseArgs(argv)
	for key, value := range options {
		store.Values[key] = value
	}

	return store
}

// Get returns the raw value for a dotted key.
func (s *Store) Get(key string) (any, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// GetString returns the value for key as a string, or def if absent.
func (s *Store) GetString(key, def string) string {
	if v, ok := s.Values[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// GetInt returns the value for key as an int, or def if absent or not
// int-shaped. Values sourced from TOML decode as int64; values sourced
// from env/CLI are strings and are not parsed here — callers that
// expect numeric overrides from those layers should GetString + parse.
func (s *Store) GetInt(key string, def int) int {
	if v, ok := s.Values[key]; ok {
		switch n := v.(type) {
		case int64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

func mergeMaps(dest map[string]any, src map[string]any, prefix string) {
	for k, v := range src {
		fullKey := k
		if prefix != "" {
			fullKey = prefix + "." + k
		}
		if subMap, ok := v.(map[string]any); ok {
			mergeMaps(dest, subMap, fullKey)
		} else {
			dest[fullKey] = v
		}
	}
}

// ParseArgs splits argv into "--key value" / "--key=value" / "-k"
// style options and remaining positional arguments.
func ParseArgs(argv []string) (map[string]string, []string) {
	options := make(map[string]string)
	var positionals []string

	parsingOptions := true
	i := 0
	for i < len(argv) {
		arg := argv[i]

		if !parsingOptions {
			positionals = append(positionals, arg)
			i++
			continue
		}

		if arg == "--" {
			parsingOptions = false
			i++
			continue
		}

		if strings.HasPrefix(arg, "--") {
			name := arg[2:]
			if idx := strings.IndexByte(name, '='); idx != -1 {
				options[name[:idx]] = name[idx+1:]
			} else if i+1 < len(argv) && !strings.HasPrefix(argv[i+1], "-") {
				options[name] = argv[i+1]
				i++
			} else {
				options[name] = "true"
			}
			i++
		} else if len(arg) > 1 && arg[0] == '-' {
			key := arg[1:]
			if len(key) == 1 {
				if i+1 < len(argv) && !strings.HasPrefix(argv[i+1], "-") {
					options[key] = argv[i+1]
					i += 2
				} else {
					options[key] = "true"
					i++
				}
			} else {
				for _, char := range key {
					options[string(char)] = "true"
				}
				i++
			}
		} else {
			positionals = append(positionals, arg)
			i++
		}
	}
	return options, positionals
}

// DefaultPath resolves the conventional config file location under
// root, mirroring the teacher's "<root>/slug.toml" convention.
func DefaultPath(root string) string {
	if root == "" {
		return ""
	}
	return filepath.Join(root, "reacted.toml")
}
