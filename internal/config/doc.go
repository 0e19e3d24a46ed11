// Package config loads and validates frameloom's TOML configuration. A
// default config is materialized on first run and every consumer receives an
// already-validated *Config; nothing reads environment state ad hoc.
package config
