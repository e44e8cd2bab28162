// Package config reads the daemon configuration from a YAML or JSON file,
// layers POSTER_* environment variables on top, and hot-reloads on file
// changes. Component packages receive their own typed config structs; this
// package is the only one that knows about files and the environment.
package config
