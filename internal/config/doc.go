// Package config loads the hub's YAML configuration, expands ${VAR}
// environment references, and validates the result before anything
// else starts.
package config
