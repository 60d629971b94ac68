package configs

import "embed"

// ManifestSamples contains shipped example playbook manifests.
//
//go:embed manifests/*.yaml
var ManifestSamples embed.FS

// ToolDefaults contains the default tool catalog YAML files.
//
//go:embed tools/*.yaml
var ToolDefaults embed.FS
