package cfg

import (
	"errors"
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
)

const (
	DefWorkingBranch = "helm_chart_bump"
	DefLogFormat     = "logfmt"
	DefLogLevel      = "info"
)

// Chart source kinds, identifying the document format behind a source URL.
// The format is configured explicitly per source, URLs are not sniffed.
const (
	SourceKindHelmRepoIndex    = "helm-repo-index"
	SourceKindChartYAML        = "chart-yaml"
	SourceKindRequirementsYAML = "requirements-yaml"
)

type Config struct {
	RepositoryOwner string   `toml:"repository_owner"`
	RepositoryName  string   `toml:"repository_name"`
	ChartName       string   `toml:"chart_name"`
	BotLogin        string   `toml:"bot_login"`
	BotEmail        string   `toml:"bot_email"`
	WorkingBranch   string   `toml:"working_branch"`
	PRLabels        []string `toml:"pr_labels"`

	Keyvault      string `toml:"keyvault"`
	SecretName    string `toml:"secret_name"`
	AzureIdentity bool   `toml:"azure_identity"`

	LogFormat  string `toml:"log_format"`
	LogLevel   string `toml:"log_level"`
	LogTimeKey string `toml:"log_time_key"`

	ChartSources []ChartSource `toml:"chart_source"`
}

// ChartSource describes where the published version of a single chart
// dependency is looked up.
type ChartSource struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
	Kind string `toml:"kind"`
}

func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.applyDefaults()

	if err := result.validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}

func (c *Config) applyDefaults() {
	if c.WorkingBranch == "" {
		c.WorkingBranch = DefWorkingBranch
	}

	if c.LogFormat == "" {
		c.LogFormat = DefLogFormat
	}

	if c.LogLevel == "" {
		c.LogLevel = DefLogLevel
	}
}

func (c *Config) validate() error {
	if c.RepositoryOwner == "" {
		return errors.New("repository_owner is unset")
	}

	if c.RepositoryName == "" {
		return errors.New("repository_name is unset")
	}

	if c.ChartName == "" {
		return errors.New("chart_name is unset")
	}

	if c.BotLogin == "" {
		return errors.New("bot_login is unset")
	}

	if (c.Keyvault == "") != (c.SecretName == "") {
		return errors.New("keyvault and secret_name must both be set or both be unset")
	}

	for i, src := range c.ChartSources {
		if src.Name == "" {
			return fmt.Errorf("chart_source %d: name is unset", i)
		}

		if src.URL == "" {
			return fmt.Errorf("chart_source %q: url is unset", src.Name)
		}

		switch src.Kind {
		case SourceKindHelmRepoIndex, SourceKindChartYAML, SourceKindRequirementsYAML:
		default:
			return fmt.Errorf(
				"chart_source %q: unsupported kind: %q, expecting %q, %q or %q",
				src.Name, src.Kind,
				SourceKindHelmRepoIndex, SourceKindChartYAML, SourceKindRequirementsYAML,
			)
		}
	}

	return nil
}
