// Package env resolves the runtime environment the process runs in.
package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/deployrt/internal/envvar"
)

// Environment is a deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// FromEnv reads DEPLOYRT_ENV. Anything other than "production" or "prod"
// is treated as development.
func FromEnv() Environment {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envvar.DeployrtEnv))) {
	case "production", "prod":
		return Production
	default:
		return Development
	}
}

// IsProduction reports whether e is the production environment.
func (e Environment) IsProduction() bool {
	return e == Production
}
