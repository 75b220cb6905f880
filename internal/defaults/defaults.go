// Package defaults provides an embedded copy of the example
// configuration file written by cmd/taskrunner's init subcommand.
package defaults

import _ "embed"

//go:generate cp ../../examples/config.example.yaml .

// ConfigYAML is the embedded example configuration file
// (config.example.yaml in this package), written out by `taskrunner init`.
//
//go:embed config.example.yaml
var ConfigYAML []byte
