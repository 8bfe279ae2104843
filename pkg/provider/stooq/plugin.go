package stooq

import (
	"github.com/openquant/tickerd/pkg/provider"
)

// httpClientName is the shared download client the plugin requests
const httpClientName = "stooq-csv"

// Plugin registers the keyless Stooq historical provider
type Plugin struct{}

func (p *Plugin) Info() provider.PluginInfo {
	return provider.PluginInfo{PluginID: "stooq", DisplayName: "Stooq EOD", Version: "1.0.0"}
}

func (p *Plugin) CredentialFields() map[string][]provider.CredentialField {
	return map[string][]provider.CredentialField{ProviderID: nil}
}

func (p *Plugin) HTTPClientNames() []string { return []string{httpClientName} }

func (p *Plugin) Register(reg *provider.Registry, creds map[string]provider.Credentials) error {
	if _, ok := creds[ProviderID]; !ok {
		return nil
	}
	return reg.RegisterHistorical(New(reg.HTTPClient(httpClientName)))
}
