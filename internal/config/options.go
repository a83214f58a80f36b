package config

import "strings"

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// Options defines the ambient configuration entries available to the
// tng process. Each entry is registered as a viper default and a CLI
// flag.
var Options = []Option{
	{Key: keyDocumentPath, Flag: toFlag(keyDocumentPath), Default: "tng.json", Description: "Path to the tunnel configuration document"},
	{Key: keyLogLevel, Flag: toFlag(keyLogLevel), Default: "info", Description: "Log level (debug, info, warn, error)"},
	{Key: keyLogFormat, Flag: toFlag(keyLogFormat), Default: "text", Description: "Log format (text, json)"},
}

// toFlag converts a viper key like "log.level" into a CLI flag like
// "log-level" by lower-casing and replacing dots and underscores with
// hyphens.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}
