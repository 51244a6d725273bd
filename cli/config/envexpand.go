// Package config handles runsync.yaml loading and environment overrides
// for runsync serve.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/hashicorp/go-multierror"
)

// refPattern matches ${NAME}, ${NAME:-fallback} and ${NAME:?message}.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:[-?])([^}]*))?\}`)

// MissingEnvError reports a ${NAME:?message} reference whose variable is
// unset or empty.
type MissingEnvError struct {
	Name    string
	Message string
}

func (e *MissingEnvError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("required environment variable %s is not set", e.Name)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// ExpandEnv substitutes environment references in a config document.
// Empty counts as unset. A plain ${NAME} with no value becomes "", leaving
// required settings to Config.Validate. Every unsatisfied ${NAME:?message}
// is collected into the returned error.
func ExpandEnv(input string) (string, error) {
	var missing *multierror.Error
	out := refPattern.ReplaceAllStringFunc(input, func(ref string) string {
		m := refPattern.FindStringSubmatch(ref)
		name, op, arg := m[1], m[2], m[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			missing = multierror.Append(missing, &MissingEnvError{Name: name, Message: arg})
		}
		return ""
	})
	return out, missing.ErrorOrNil()
}
