package cfg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
repository_owner = "alan-turing-institute"
repository_name  = "hub23-deploy"
chart_name       = "hub23-chart"
bot_login        = "HelmUpgradeBot"
pr_labels        = ["helm", "dependencies"]
keyvault         = "hub23-keyvault"
secret_name      = "bot-token"

[[chart_source]]
name = "binderhub"
url  = "https://example.com/index.yaml"
kind = "helm-repo-index"

[[chart_source]]
name = "nginx-ingress"
url  = "https://example.com/Chart.yaml"
kind = "chart-yaml"
`

func TestLoad(t *testing.T) {
	config, err := Load(strings.NewReader(validConfig))
	require.NoError(t, err)

	assert.Equal(t, "alan-turing-institute", config.RepositoryOwner)
	assert.Equal(t, "hub23-deploy", config.RepositoryName)
	assert.Equal(t, "hub23-chart", config.ChartName)
	assert.Equal(t, "HelmUpgradeBot", config.BotLogin)
	assert.Equal(t, []string{"helm", "dependencies"}, config.PRLabels)

	require.Len(t, config.ChartSources, 2)
	assert.Equal(t, "binderhub", config.ChartSources[0].Name)
	assert.Equal(t, SourceKindHelmRepoIndex, config.ChartSources[0].Kind)
}

func TestLoadAppliesDefaults(t *testing.T) {
	config, err := Load(strings.NewReader(validConfig))
	require.NoError(t, err)

	assert.Equal(t, DefWorkingBranch, config.WorkingBranch)
	assert.Equal(t, DefLogFormat, config.LogFormat)
	assert.Equal(t, DefLogLevel, config.LogLevel)
}

func TestLoadValidationErrors(t *testing.T) {
	testcases := []struct {
		name        string
		config      string
		errContains string
	}{
		{
			name:        "missing repository owner",
			config:      `repository_name = "r"` + "\n" + `chart_name = "c"` + "\n" + `bot_login = "b"`,
			errContains: "repository_owner",
		},
		{
			name: "keyvault without secret name",
			config: `repository_owner = "o"
repository_name = "r"
chart_name = "c"
bot_login = "b"
keyvault = "kv"`,
			errContains: "secret_name",
		},
		{
			name: "unsupported chart source kind",
			config: `repository_owner = "o"
repository_name = "r"
chart_name = "c"
bot_login = "b"

[[chart_source]]
name = "binderhub"
url = "https://example.com"
kind = "gh-pages"`,
			errContains: "unsupported kind",
		},
		{
			name: "chart source without url",
			config: `repository_owner = "o"
repository_name = "r"
chart_name = "c"
bot_login = "b"

[[chart_source]]
name = "binderhub"
kind = "chart-yaml"`,
			errContains: "url is unset",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.config))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errContains)
		})
	}
}
