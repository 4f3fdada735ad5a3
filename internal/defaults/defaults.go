// Package defaults provides the embedded default configuration file
// for the deskd init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration installed by
// "deskd init".
//
//go:embed config.example.yaml
var ConfigYAML []byte
