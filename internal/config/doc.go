// Package config loads the taskflowd configuration from a YAML or JSON file,
// fills in defaults and validates driver and strategy names before any
// component is built from it.
package config
