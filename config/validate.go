package config

import "fmt"

// Validate rejects configurations that cannot produce a working service.
// Empty pay_to addresses are tolerated so a freshly generated file loads;
// payment admission refuses quoting for such networks at runtime.
func (c *Config) Validate() error {
	if c.Server.FreeUploadLimitBytes < 0 {
		return fmt.Errorf("server: free_upload_limit_bytes < 0")
	}
	if c.Pricing.FeePercent < 0 || c.Pricing.BufferPercent < 0 {
		return fmt.Errorf("pricing: negative margin")
	}
	if c.Multipart.FraudTolerancePercent < 0 {
		return fmt.Errorf("multipart: fraud_tolerance_percent < 0")
	}
	if c.Pipeline.PlanMaxBytes < 0 || c.Pipeline.PlanMaxItems < 0 {
		return fmt.Errorf("pipeline: negative plan target")
	}
	if c.Janitor.LocalRetentionDays < 0 || c.Janitor.RemoteRetentionDays < 0 {
		return fmt.Errorf("janitor: negative retention")
	}
	for name, net := range c.Networks {
		if net.ChainID <= 0 {
			return fmt.Errorf("networks.%s: chain_id required", name)
		}
		if net.Asset == "" {
			return fmt.Errorf("networks.%s: asset contract required", name)
		}
	}
	for i, f := range c.Payment.Facilitators {
		if f.URL == "" {
			return fmt.Errorf("payment.facilitators[%d]: url required", i)
		}
		switch f.Dialect {
		case "", "rest", "cdp":
		default:
			return fmt.Errorf("payment.facilitators[%d]: unknown dialect %q", i, f.Dialect)
		}
	}
	if _, ok := c.Networks[c.Payment.DefaultNetwork]; !ok && len(c.Networks) > 0 {
		return fmt.Errorf("payment: default_network %q is not configured", c.Payment.DefaultNetwork)
	}
	return nil
}
