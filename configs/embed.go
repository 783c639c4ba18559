// Package configs provides the configuration templates written by
// `qarag config init`.
//
// Templates are embedded at build time so every distribution carries them.
// They must describe the same values as config.NewConfig; the tests load
// them and compare.
package configs

import _ "embed"

// ProjectConfigTemplate is written to .qarag.yaml by `qarag config init`.
// It lists every setting at its default.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string

// UserConfigTemplate is written to the user config by
// `qarag config init --user`. It holds machine-level settings only.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string
