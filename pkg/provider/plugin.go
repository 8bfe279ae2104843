package provider

import (
	"fmt"
	"os"
	"strings"
)

// PluginInfo describes a provider plugin
type PluginInfo struct {
	PluginID    string
	DisplayName string
	Version     string
}

// CredentialField declares one credential a plugin needs. The value is
// resolved from the environment variable <PROVIDER>__<FIELD>, e.g.
// ALPACA__KEYID.
type CredentialField struct {
	Name     string
	Required bool
}

// Credentials holds resolved credential values by field name
type Credentials map[string]string

// Plugin is a provider package's registration hook. Plugins are discovered
// from a declared list at startup, not loaded dynamically.
type Plugin interface {
	Info() PluginInfo

	// CredentialFields declares the credentials the plugin's providers
	// need, keyed by provider id.
	CredentialFields() map[string][]CredentialField

	// HTTPClientNames declares the named shared HTTP clients the plugin
	// will request from the registry.
	HTTPClientNames() []string

	// Register adds the plugin's providers to the registry. creds holds
	// the resolved credentials per provider id; providers whose required
	// credentials were missing are absent from the map and must not be
	// registered.
	Register(reg *Registry, creds map[string]Credentials) error
}

// EnvVar returns the environment variable name for a provider credential
func EnvVar(providerID, field string) string {
	return strings.ToUpper(providerID) + "__" + strings.ToUpper(field)
}

// resolveCredentials looks the declared fields up in the environment.
// It returns nil and the missing field names when a required field is
// absent.
func resolveCredentials(providerID string, fields []CredentialField) (Credentials, []string) {
	creds := make(Credentials, len(fields))
	var missing []string
	for _, f := range fields {
		v, ok := os.LookupEnv(EnvVar(providerID, f.Name))
		if !ok || v == "" {
			if f.Required {
				missing = append(missing, EnvVar(providerID, f.Name))
			}
			continue
		}
		creds[f.Name] = v
	}
	if len(missing) > 0 {
		return nil, missing
	}
	return creds, nil
}

// LoadPlugins resolves credentials and registers every plugin in the
// declared list. A provider with missing required credentials is disabled,
// not fatal; startup later fails only if the configuration references a
// disabled provider.
func LoadPlugins(reg *Registry, plugins []Plugin) error {
	for _, plugin := range plugins {
		info := plugin.Info()

		// Warm the shared clients the plugin declared.
		for _, name := range plugin.HTTPClientNames() {
			reg.HTTPClient(name)
		}

		creds := make(map[string]Credentials)
		for providerID, fields := range plugin.CredentialFields() {
			resolved, missing := resolveCredentials(providerID, fields)
			if missing != nil {
				reason := fmt.Sprintf("missing credentials: %s", strings.Join(missing, ", "))
				reg.markDisabled(providerID, reason)
				reg.logger.Warn().
					Str("plugin", info.PluginID).
					Str("provider", providerID).
					Strs("missing", missing).
					Msg("Provider disabled, credentials not set")
				continue
			}
			creds[providerID] = resolved
		}

		if err := plugin.Register(reg, creds); err != nil {
			return fmt.Errorf("registering plugin %s %s: %w", info.PluginID, info.Version, err)
		}
		reg.logger.Info().
			Str("plugin", info.PluginID).
			Str("version", info.Version).
			Msg("Plugin registered")
	}
	return nil
}
