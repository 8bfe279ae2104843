/*
Package provider defines the uniform streaming and historical provider
contracts, the process-wide registry, and the plugin registration SDK.

Vendor adapters live in subpackages (alpaca, polygon, stooq, composite)
and register themselves through a Plugin. Plugins are discovered from a
declared list at startup; credentials are resolved from environment
variables of the form <PROVIDER>__<FIELD> and a provider with missing
required credentials is disabled rather than aborting startup.

The registry is populated once during startup and read-only afterwards.
*/
package provider
