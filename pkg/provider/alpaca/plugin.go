package alpaca

import (
	"github.com/openquant/tickerd/pkg/provider"
)

// Plugin registers the Alpaca streaming provider. Requires the
// ALPACA__KEYID and ALPACA__SECRETKEY credentials; without them the
// provider is disabled at startup.
type Plugin struct {
	Options Options
	Emit    provider.EmitFunc
}

func (p *Plugin) Info() provider.PluginInfo {
	return provider.PluginInfo{PluginID: "alpaca", DisplayName: "Alpaca Market Data", Version: "1.0.0"}
}

func (p *Plugin) CredentialFields() map[string][]provider.CredentialField {
	return map[string][]provider.CredentialField{
		ProviderID: {
			{Name: "keyid", Required: true},
			{Name: "secretkey", Required: true},
		},
	}
}

func (p *Plugin) HTTPClientNames() []string { return nil }

func (p *Plugin) Register(reg *provider.Registry, creds map[string]provider.Credentials) error {
	c, ok := creds[ProviderID]
	if !ok {
		return nil // disabled: credentials missing
	}
	opts := p.Options
	opts.KeyID = c["keyid"]
	opts.Secret = c["secretkey"]
	return reg.RegisterStreaming(New(opts, p.Emit))
}
