// Package config provides configuration loading and validation for the
// transcription service. Values come from a YAML file layered over Default(),
// then from .env files and TRANSCRIBER_* environment variables.
package config
