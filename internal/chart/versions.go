// Package chart retrieves, compares and rewrites helm chart dependency
// versions.
package chart

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/helmupgradebot/chartbump/internal/cfg"
	"github.com/helmupgradebot/chartbump/internal/logfields"
)

const loggerName = "chart_versions"

// VersionRecord holds the deployed and the latest published version of a
// single chart dependency. Records are immutable once fetched for a run.
type VersionRecord struct {
	Chart     string
	Deployed  string
	Published string
}

// Dependency is a single entry of a chart dependency manifest.
type Dependency struct {
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	Repository string `yaml:"repository,omitempty"`
}

type manifestDoc struct {
	Dependencies []Dependency `yaml:"dependencies"`
}

// helm repository index.yaml layout, only the fields the bot reads
type repoIndex struct {
	Entries map[string][]repoIndexEntry `yaml:"entries"`
}

type repoIndexEntry struct {
	Version string    `yaml:"version"`
	Created time.Time `yaml:"created"`
}

type chartYAML struct {
	Version string `yaml:"version"`
}

// Fetcher retrieves chart versions from remote HTTP sources.
type Fetcher struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewFetcher(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Fetcher{
		httpClient: httpClient,
		logger:     zap.L().Named(loggerName),
	}
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned status %d: %s", url, resp.StatusCode, body)
	}

	return body, nil
}

// DeployedVersions fetches the dependency manifest of the deployment from
// url and returns the pinned version per dependency name.
func (f *Fetcher) DeployedVersions(ctx context.Context, url string) (map[string]string, error) {
	f.logger.Info(
		"fetching deployed chart versions",
		logfields.Event("deployed_versions_fetch_started"),
		zap.String("url", url),
	)

	body, err := f.get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetching dependency manifest failed: %w", err)
	}

	versions, err := ParseManifestVersions(body)
	if err != nil {
		return nil, err
	}

	return versions, nil
}

// ParseManifestVersions extracts the pinned dependency versions from a
// dependency manifest document.
func ParseManifestVersions(doc []byte) (map[string]string, error) {
	var manifest manifestDoc
	if err := yaml.Unmarshal(doc, &manifest); err != nil {
		return nil, &ManifestFormatError{Reason: fmt.Sprintf("parsing manifest failed: %s", err)}
	}

	if manifest.Dependencies == nil {
		return nil, &ManifestFormatError{Reason: "manifest has no dependencies list"}
	}

	result := make(map[string]string, len(manifest.Dependencies))
	for _, dep := range manifest.Dependencies {
		if dep.Name == "" {
			return nil, &ManifestFormatError{Reason: "manifest contains a dependency without a name"}
		}

		result[dep.Name] = dep.Version
	}

	return result, nil
}

// PublishedVersions fetches the latest published version per configured
// chart source.
func (f *Fetcher) PublishedVersions(ctx context.Context, sources []cfg.ChartSource) (map[string]string, error) {
	result := make(map[string]string, len(sources))

	for _, src := range sources {
		version, err := f.publishedVersion(ctx, &src)
		if err != nil {
			return nil, fmt.Errorf("fetching published version of chart %q failed: %w", src.Name, err)
		}

		f.logger.Info(
			"fetched published chart version",
			logfields.Event("published_version_fetched"),
			logfields.Chart(src.Name),
			logfields.PublishedVersion(version),
			zap.String("source_kind", src.Kind),
		)

		result[src.Name] = version
	}

	return result, nil
}

func (f *Fetcher) publishedVersion(ctx context.Context, src *cfg.ChartSource) (string, error) {
	body, err := f.get(ctx, src.URL)
	if err != nil {
		return "", err
	}

	switch src.Kind {
	case cfg.SourceKindHelmRepoIndex:
		return latestIndexVersion(body, src.Name)

	case cfg.SourceKindChartYAML:
		var doc chartYAML
		if err := yaml.Unmarshal(body, &doc); err != nil {
			return "", fmt.Errorf("parsing Chart.yaml document failed: %w", err)
		}

		if doc.Version == "" {
			return "", fmt.Errorf("Chart.yaml document from %s has no version field", src.URL)
		}

		return doc.Version, nil

	case cfg.SourceKindRequirementsYAML:
		versions, err := ParseManifestVersions(body)
		if err != nil {
			return "", err
		}

		version, exist := versions[src.Name]
		if !exist {
			return "", fmt.Errorf("manifest from %s pins no dependency named %q", src.URL, src.Name)
		}

		return version, nil

	default:
		// unreachable, cfg.Load rejects unknown kinds
		return "", fmt.Errorf("unsupported chart source kind: %q", src.Kind)
	}
}

// latestIndexVersion returns the version of the chart entry with the most
// recent creation timestamp in a helm repository index document.
func latestIndexVersion(doc []byte, chartName string) (string, error) {
	var index repoIndex
	if err := yaml.Unmarshal(doc, &index); err != nil {
		return "", fmt.Errorf("parsing repository index failed: %w", err)
	}

	entries := index.Entries[chartName]
	if len(entries) == 0 {
		return "", fmt.Errorf("repository index has no entries for chart %q", chartName)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Created.Before(entries[j].Created)
	})

	return entries[len(entries)-1].Version, nil
}
