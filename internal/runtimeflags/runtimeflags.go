// Package runtimeflags configures opt-in runtime diagnostics via the
// MCPCORE_DEBUG environment variable, without needing a recompile or a
// config file round-trip.
//
// The value of MCPCORE_DEBUG is a comma-separated list of key=value pairs.
// For example:
//
//	MCPCORE_DEBUG=frames=1,gc=1
package runtimeflags

import (
	"fmt"
	"os"
	"strings"
)

const envKey = "MCPCORE_DEBUG"

var params map[string]string

func init() {
	var err error
	params, err = parse(os.Getenv(envKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the flag's value, or "" if it isn't set.
func Value(key string) string {
	return params[key]
}

// Enabled reports whether key is set to a truthy value ("1", "true").
func Enabled(key string) bool {
	switch params[key] {
	case "1", "true":
		return true
	default:
		return false
	}
}

func parse(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", envKey, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
