// Package configfiles provides the embedded example configuration file
// used as a template for first-run initialization.
package configfiles

import "embed"

//go:embed config.example.yaml
var configFS embed.FS

// GetConfigExample returns the embedded example config.yaml content.
func GetConfigExample() ([]byte, error) {
	return configFS.ReadFile("config.example.yaml")
}
