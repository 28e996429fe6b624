// Package config loads the daemon's JSON configuration file and the
// hand-edited YAML policy document that it references.
package config
