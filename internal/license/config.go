// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package license

import "github.com/ManuGH/xoffline/internal/config"

// OptionsFromConfig derives manager and transport options from configuration.
func OptionsFromConfig(cfg config.LicenseConfig) (Options, HTTPOptions) {
	opts := Options{
		Scheme:              cfg.Scheme,
		EnforceMessageToken: cfg.EnforceMessageToken,
		LicenseServerURI:    cfg.ServerURL,
		ProvisioningURL:     cfg.ProvisioningURL,
	}
	httpOpts := HTTPOptions{
		Timeout:          cfg.RequestTimeout,
		MessageHeader:    cfg.MessageHeader,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	}
	return opts, httpOpts
}
