package polygon

import (
	"github.com/openquant/tickerd/pkg/provider"
)

// httpClientName is the shared REST client the plugin requests
const httpClientName = "polygon-rest"

// Plugin registers the Polygon streaming and historical providers.
// Requires the POLYGON__APIKEY credential.
type Plugin struct {
	Options Options
	Emit    provider.EmitFunc
}

func (p *Plugin) Info() provider.PluginInfo {
	return provider.PluginInfo{PluginID: "polygon", DisplayName: "Polygon.io", Version: "1.0.0"}
}

func (p *Plugin) CredentialFields() map[string][]provider.CredentialField {
	// The streaming and historical providers share one API key.
	return map[string][]provider.CredentialField{
		ProviderID: {{Name: "apikey", Required: true}},
	}
}

func (p *Plugin) HTTPClientNames() []string { return []string{httpClientName} }

func (p *Plugin) Register(reg *provider.Registry, creds map[string]provider.Credentials) error {
	c, ok := creds[ProviderID]
	if !ok {
		return nil // disabled: credentials missing
	}

	opts := p.Options
	opts.APIKey = c["apikey"]
	if err := reg.RegisterStreaming(New(opts, p.Emit)); err != nil {
		return err
	}
	return reg.RegisterHistorical(NewHistorical(reg.HTTPClient(httpClientName), c["apikey"]))
}
