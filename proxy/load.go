package proxy

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/models"
)

// ProviderFile is the on-disk shape of a providers file.
type ProviderFile struct {
	Providers []Provider `mapstructure:"providers"`
}

// Load reads providers from path (yaml, json or toml by extension).
func Load(path string) ([]Provider, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("proxy: read %s: %w", path, err)
	}
	var f ProviderFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("proxy: decode %s: %w", path, err)
	}
	return f.Providers, nil
}

// FromConfig builds a Manager from the per-tier URL lists and, when set,
// the providers file. Listed URLs are named "<tier>-<n>" with weight 1.
func FromConfig(cfg config.ProxyConfig) (*Manager, error) {
	var providers []Provider
	lists := []struct {
		tier models.ProxyTier
		urls []string
	}{
		{models.ProxyDatacenter, cfg.Datacenter},
		{models.ProxyResidential, cfg.Residential},
		{models.ProxyISP, cfg.ISP},
		{models.ProxyMobile, cfg.Mobile},
	}
	for _, l := range lists {
		for i, u := range l.urls {
			providers = append(providers, Provider{
				Name:   fmt.Sprintf("%s-%d", l.tier, i+1),
				Tier:   l.tier,
				URL:    u,
				Weight: 1,
			})
		}
	}
	if cfg.ProvidersFile != "" {
		fromFile, err := Load(cfg.ProvidersFile)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fromFile...)
	}
	return New(providers, Options{
		MaxFailures: cfg.MaxFailures,
		Cooldown:    cfg.Cooldown,
		SessionTTL:  cfg.SessionTTL,
	})
}
