// Package mcpmap computes the effective integration credential set for a
// node from its selected MCP server keys. The mapping is static in this
// version and declared as YAML so operators can audit it.
package mcpmap

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// defaultMapping is the built-in server-key → integration-key table.
// Unknown server keys map to nothing.
const defaultMapping = `
github:
  - provider: github
    key: default
gitlab:
  - provider: gitlab
    key: default
jira:
  - provider: atlassian
    key: jira
confluence:
  - provider: atlassian
    key: confluence
slack:
  - provider: slack
    key: bot_token
postgres:
  - provider: postgres
    key: dsn
s3:
  - provider: aws
    key: access_key
  - provider: aws
    key: secret_key
`

// IntegrationRef names one required integration setting.
type IntegrationRef struct {
	Provider string `yaml:"provider" json:"provider"`
	Key      string `yaml:"key" json:"key"`
}

// Bundle is the resolved credential set for a node, plus soft warnings for
// mapped-but-unconfigured integrations.
type Bundle struct {
	Refs     []IntegrationRef
	Warnings []string
}

// checker reports whether an integration is configured and usable.
type checker interface {
	Configured(ctx context.Context, provider, key string) bool
}

// Resolver maps MCP server keys onto integration references.
type Resolver struct {
	mapping map[string][]IntegrationRef
	creds   checker
}

// NewResolver builds a resolver over the built-in mapping.
func NewResolver(creds checker) (*Resolver, error) {
	return NewResolverFromYAML(creds, []byte(defaultMapping))
}

// NewResolverFromYAML builds a resolver from a custom mapping document.
func NewResolverFromYAML(creds checker, doc []byte) (*Resolver, error) {
	mapping := make(map[string][]IntegrationRef)
	if err := yaml.Unmarshal(doc, &mapping); err != nil {
		return nil, fmt.Errorf("parse mcp integration mapping: %w", err)
	}
	return &Resolver{mapping: mapping, creds: creds}, nil
}

// Resolve returns the configured subset of integrations required by the
// given MCP server keys. Mapped-but-unconfigured integrations produce a
// warning and are skipped; execution continues with the rest.
func (r *Resolver) Resolve(ctx context.Context, serverKeys []string) Bundle {
	var bundle Bundle
	seen := make(map[IntegrationRef]struct{})
	keys := append([]string(nil), serverKeys...)
	sort.Strings(keys)
	for _, serverKey := range keys {
		refs, known := r.mapping[serverKey]
		if !known {
			continue
		}
		for _, ref := range refs {
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			if r.creds != nil && !r.creds.Configured(ctx, ref.Provider, ref.Key) {
				bundle.Warnings = append(bundle.Warnings, fmt.Sprintf(
					"mcp server %s requires integration %s/%s which is not configured",
					serverKey, ref.Provider, ref.Key))
				continue
			}
			bundle.Refs = append(bundle.Refs, ref)
		}
	}
	return bundle
}
