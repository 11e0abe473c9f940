/*
Package config implements configuration intake (spec.md §4.8, C8). It is
purely initialization and runs only at startup: a CONFIG_VERSION
RECONFIGURE (transition.Machine.handleReconfigure) updates the
transition generation and does not re-read the configuration.

Precedence, low to high: built-in defaults, the YAML configuration
database (see Database), environment variable overrides (see
applyEnvOverrides).
Load applies all three in that order and then Validate checks the result
against the host's network and name resolution, the same way the teacher's
cmd/warren subcommands validate flags before starting a node.
*/
package config
