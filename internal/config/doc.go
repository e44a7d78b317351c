// Package config provides centralized configuration management for the
// orchestration engine. It loads a single YAML document describing logging,
// storage, queue backends, provider credentials, and declarative service
// definitions, and applies defaults so the daemon can boot from a minimal
// file.
package config
