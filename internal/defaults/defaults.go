// Package defaults provides the embedded starter configuration written
// by the nexa init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the starter config.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte
