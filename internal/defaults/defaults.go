// Package defaults provides embedded copies of the example
// configuration, price table and persona for the concierge init
// subcommand.
package defaults

import _ "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PricingYAML is the example price table.
//
//go:embed pricing.example.yaml
var PricingYAML []byte

// PersonaMD is the example persona, written as personas/concierge.md so
// it overrides the built-in one.
//
//go:embed persona.example.md
var PersonaMD []byte
