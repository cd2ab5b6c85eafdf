// Package configs provides the embedded configuration template for docuvec.
//
// The template is embedded at build time with go:embed so it ships in every
// distribution. It is written out by `docuvec init` style tooling and serves
// as the reference for DOCUVEC_* environment overrides.
package configs

import _ "embed"

// ConfigExampleYAML is the annotated configuration template.
//
//go:embed config.example.yaml
var ConfigExampleYAML string
