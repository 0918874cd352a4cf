// Package config handles cardrelay.yaml loading.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envRef matches $$, ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envRef = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:[-?])([^}]*))?\}`)

// ExpandEnv substitutes environment references in a config document:
//
//	${VAR}          value of VAR, empty when unset
//	${VAR:-default} value of VAR, default when unset or empty
//	${VAR:?message} value of VAR, an error when unset or empty
//	$$              a literal $
//
// Every missing required variable is reported in one error.
func ExpandEnv(input string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(input, func(match string) string {
		if match == "$$" {
			return "$"
		}
		g := envRef.FindStringSubmatch(match)
		name, op, arg := g[1], g[2], g[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if arg == "" {
				arg = "is required"
			}
			missing = append(missing, name+": "+arg)
		}
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(missing, "; "))
	}
	return out, nil
}
