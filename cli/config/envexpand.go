// Package config loads and saves riverout.yaml.
package config

import (
	"os"
	"regexp"
)

// envRef matches $${...} (escaped), ${NAME} and ${NAME:-default}.
var envRef = regexp.MustCompile(`\$(\$?)\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv substitutes environment references in a riverout.yaml body.
// An unset or empty NAME takes the default, or "" when none is given; a
// missing stream_name is reported at Start, not here. $${NAME} is left as
// the literal ${NAME}.
func ExpandEnv(input string) string {
	return expandWith(input, os.LookupEnv)
}

func expandWith(input string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if m[1] != "" {
			return ref[1:]
		}
		if v, ok := lookup(m[2]); ok && v != "" {
			return v
		}
		return m[3]
	})
}
