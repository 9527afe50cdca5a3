// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads xoffline configuration with precedence
// environment > YAML file > built-in defaults.
package config
