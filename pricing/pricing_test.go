package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/use-agent/harvester/config"
	"github.com/use-agent/harvester/models"
)

func TestSelectEngine(t *testing.T) {
	tests := []struct {
		name      string
		requested models.EngineType
		mutate    func(*models.Options)
		want      models.EngineType
	}{
		{"plain fetch", models.EngineAuto, nil, models.EngineHTTP},
		{"render js", models.EngineAuto, func(o *models.Options) { o.RenderJS = true }, models.EngineBrowser},
		{"wait for selector", models.EngineAuto, func(o *models.Options) { o.WaitFor = "#app" }, models.EngineBrowser},
		{"screenshot", models.EngineAuto, func(o *models.Options) { o.Screenshot = true }, models.EngineBrowser},
		{"pdf", models.EngineAuto, func(o *models.Options) { o.PDF = true }, models.EngineBrowser},
		{"scenario", models.EngineAuto, func(o *models.Options) {
			o.Scenario = []models.ScenarioStep{{Action: models.ActionClick, Selector: "a"}}
		}, models.EngineBrowser},
		{"stealth flag", models.EngineAuto, func(o *models.Options) { o.Stealth = true }, models.EngineStealth},
		{"stealth beats browser", models.EngineAuto, func(o *models.Options) { o.Stealth = true; o.RenderJS = true }, models.EngineStealth},
		{"explicit engine wins", models.EngineStealth, nil, models.EngineStealth},
		{"explicit http", models.EngineHTTP, func(o *models.Options) { o.Stealth = true }, models.EngineHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := models.DefaultOptions()
			if tt.mutate != nil {
				tt.mutate(&opts)
			}
			assert.Equal(t, tt.want, SelectEngine(tt.requested, opts))
		})
	}
}

func TestSelectProxyTier(t *testing.T) {
	opts := models.DefaultOptions()
	assert.Equal(t, models.ProxyDatacenter, SelectProxyTier(opts))

	opts.PremiumProxy = true
	assert.Equal(t, models.ProxyResidential, SelectProxyTier(opts))

	opts.MobileProxy = true
	assert.Equal(t, models.ProxyMobile, SelectProxyTier(opts), "mobile takes precedence")
}

func TestEstimate(t *testing.T) {
	table := DefaultTable()

	plain := models.DefaultOptions()
	assert.Equal(t, int64(1), table.Estimate(models.EngineHTTP, models.ProxyDatacenter, plain).Total)

	shot := models.DefaultOptions()
	shot.Screenshot = true
	est := table.Estimate(models.EngineBrowser, models.ProxyDatacenter, shot)
	assert.Equal(t, int64(7), est.Total)
	assert.Equal(t, int64(5), est.Breakdown["base"])
	assert.Equal(t, int64(2), est.Breakdown[FeatureScreenshot])

	all := models.DefaultOptions()
	all.Screenshot, all.PDF = true, true
	assert.Equal(t, int64(10+10+2+3), table.Estimate(models.EngineStealth, models.ProxyMobile, all).Total)
	assert.Equal(t, int64(1+3), table.Estimate(models.EngineHTTP, models.ProxyResidential, plain).Total)
}

func TestTableFromConfigOverrides(t *testing.T) {
	table := TableFromConfig(config.CreditConfig{
		EngineCost: map[string]int64{"http": 2},
		ProxyCost:  map[string]int64{"mobile": 20},
	})
	assert.Equal(t, int64(2), table.Engine[models.EngineHTTP])
	assert.Equal(t, int64(5), table.Engine[models.EngineBrowser])
	assert.Equal(t, int64(20), table.Proxy[models.ProxyMobile])
	assert.Equal(t, int64(2), table.Feature[FeatureScreenshot])
}
