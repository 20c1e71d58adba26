package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envRefRegex matches an escaped reference ($${...}) or a reference (${...})
var envRefRegex = regexp.MustCompile(`\$\$\{[^}]*\}|\$\{[^}]*\}`)

// SubstituteEnvVars expands environment references in YAML content:
//   - ${VAR}            value of VAR, empty when unset
//   - ${VAR:-default}   default when VAR is empty or unset
//   - ${VAR:?message}   error when VAR is empty or unset
//   - $${VAR}           literal ${VAR}
//
// Every reference is expanded even when a required one is missing; the first
// missing required variable is reported as the error.
func SubstituteEnvVars(content string) (string, error) {
	var firstErr error

	out := envRefRegex.ReplaceAllStringFunc(content, func(ref string) string {
		if strings.HasPrefix(ref, "$$") {
			return ref[1:]
		}

		expr := ref[2 : len(ref)-1]

		if name, msg, ok := strings.Cut(expr, ":?"); ok {
			name = strings.TrimSpace(name)
			if v := os.Getenv(name); v != "" {
				return v
			}
			if firstErr == nil {
				msg = strings.TrimSpace(msg)
				if msg == "" {
					msg = fmt.Sprintf("required environment variable %s is not set", name)
				}
				firstErr = fmt.Errorf("%s", msg)
			}
			return ""
		}

		if name, def, ok := strings.Cut(expr, ":-"); ok {
			if v := os.Getenv(strings.TrimSpace(name)); v != "" {
				return v
			}
			return strings.TrimSpace(def)
		}

		return os.Getenv(expr)
	})

	return out, firstErr
}
