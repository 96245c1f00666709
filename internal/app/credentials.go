package app

import "strings"

// CredentialSource records where a provider credential came from.
type CredentialSource string

const (
	SourceEnv  CredentialSource = "env"
	SourceFile CredentialSource = "file"
	SourceNone CredentialSource = "none"
)

// Environment variables consulted for provider credentials, in order.
var (
	TokenEnvVars = []string{"DEPLOYPROXY_PROVIDER_TOKEN", "NETLIFY_TOKEN"}
	SiteEnvVars  = []string{"DEPLOYPROXY_PROVIDER_SITE", "NETLIFY_SITE"}
)

// Credentials are the provider token and site name chosen at startup.
type Credentials struct {
	Token       string
	SiteName    string
	TokenSource CredentialSource
	SiteSource  CredentialSource
}

// ResolveCredentials picks the provider credentials once. The environment
// wins over the settings file.
func ResolveCredentials(cfg *Config, getenv func(string) string) Credentials {
	var c Credentials
	c.Token, c.TokenSource = resolve(getenv, TokenEnvVars, cfg.Provider.Token)
	c.SiteName, c.SiteSource = resolve(getenv, SiteEnvVars, cfg.Provider.SiteName)
	return c
}

func resolve(getenv func(string) string, vars []string, fromFile string) (string, CredentialSource) {
	if getenv != nil {
		for _, name := range vars {
			if v := strings.TrimSpace(getenv(name)); v != "" {
				return v, SourceEnv
			}
		}
	}
	if v := strings.TrimSpace(fromFile); v != "" {
		return v, SourceFile
	}
	return "", SourceNone
}
