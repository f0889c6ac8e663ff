// Package config loads the mesh configuration from config.yaml and the
// environment. It covers the gateway listener, the registry store, health
// checking, circuit breaking, gateway routing and the message broker used by
// the event workers.
package config
