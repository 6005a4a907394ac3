// Package synapse is a small client for the Synapse REST API and the
// table of Synapse deployments it can talk to.
package synapse

import (
	"fmt"
	"slices"
	"strings"
)

// Endpoints locates one Synapse deployment.
type Endpoints struct {
	Name     string
	AuthURL  string // browser authorization page
	TokenURL string
	Issuer   string
	APIBase  string // REST root, e.g. https://repo-prod.prod.sagebase.org/repo/v1
}

// DefaultEnv is used when SYNAPSE_ENV is unset.
const DefaultEnv = "prod"

var deployments = map[string]Endpoints{
	"prod": {
		Name:     "prod",
		AuthURL:  "https://signin.synapse.org",
		TokenURL: "https://repo-prod.prod.sagebase.org/auth/v1/oauth2/token",
		Issuer:   "https://repo-prod.prod.sagebase.org/auth/v1",
		APIBase:  "https://repo-prod.prod.sagebase.org/repo/v1",
	},
	"staging": {
		Name:     "staging",
		AuthURL:  "https://signin.synapse.org",
		TokenURL: "https://repo-staging.prod.sagebase.org/auth/v1/oauth2/token",
		Issuer:   "https://repo-staging.prod.sagebase.org/auth/v1",
		APIBase:  "https://repo-staging.prod.sagebase.org/repo/v1",
	},
	"dev": {
		Name:     "dev",
		AuthURL:  "https://dev-signin.synapse.org",
		TokenURL: "https://repo-dev.dev.sagebase.org/auth/v1/oauth2/token",
		Issuer:   "https://repo-dev.dev.sagebase.org/auth/v1",
		APIBase:  "https://repo-dev.dev.sagebase.org/repo/v1",
	},
}

// EndpointsFor returns the endpoint set for a SYNAPSE_ENV value. The
// name is case-insensitive; an empty name selects prod.
func EndpointsFor(env string) (Endpoints, error) {
	name := strings.ToLower(strings.TrimSpace(env))
	if name == "" {
		name = DefaultEnv
	}

	ep, ok := deployments[name]
	if !ok {
		return Endpoints{}, fmt.Errorf("unknown SYNAPSE_ENV %q (want one of %s)", env, strings.Join(Envs(), ", "))
	}

	return ep, nil
}

// Envs lists the known deployment names in sorted order.
func Envs() []string {
	names := make([]string, 0, len(deployments))
	for name := range deployments {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}
