// Package config implements configuration loading for the Solar Fleet Console.
//
// Values are layered: built-in baseline, then an optional YAML file, then
// SFC_* environment variables. The merged result is validated before use.
package config
