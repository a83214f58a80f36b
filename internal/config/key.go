// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag for the
// ambient process settings (which JSON tunnel document to load, log
// level/format), and decodes the tunnel document itself (document.go)
// separately since its shape is a discriminated union rather than a
// flat key/value tree.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix TNG_)
//  3. Config file (tng.yaml in . or /etc/tng/)
//  4. Compiled defaults
package config

// Viper keys for ambient process configuration.
const (
	keyDocumentPath = "document"
	keyLogLevel     = "log.level"
	keyLogFormat    = "log.format"
)
