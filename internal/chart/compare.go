package chart

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Outdated returns the names of all charts that are present in both maps
// and whose deployed version string differs from the published one.
// The deployment's own top-level chart is excluded, it is the thing being
// updated, not a dependency.
// Comparison is exact string inequality, no semantic version ordering is
// applied: equal strings are up-to-date, any other difference triggers an
// upgrade.
// The result is sorted by chart name.
func Outdated(deployed, published map[string]string, deploymentChart string) []string {
	var result []string

	for name, deployedVersion := range deployed {
		if name == deploymentChart {
			continue
		}

		publishedVersion, exist := published[name]
		if !exist {
			continue
		}

		if deployedVersion != publishedVersion {
			result = append(result, name)
		}
	}

	sort.Strings(result)

	return result
}

// Records returns a VersionRecord per chart name, in the order of names.
func Records(names []string, deployed, published map[string]string) []VersionRecord {
	result := make([]VersionRecord, 0, len(names))

	for _, name := range names {
		result = append(result, VersionRecord{
			Chart:     name,
			Deployed:  deployed[name],
			Published: published[name],
		})
	}

	return result
}

// ChangeKind classifies a version change as "upgrade" or "downgrade" when
// both versions parse as semantic versions, and as "change" otherwise.
// It is informational only, whether an update happens is decided by exact
// string comparison alone.
func ChangeKind(deployed, published string) string {
	from, err := semver.NewVersion(deployed)
	if err != nil {
		return "change"
	}

	to, err := semver.NewVersion(published)
	if err != nil {
		return "change"
	}

	switch {
	case to.GreaterThan(from):
		return "upgrade"
	case to.LessThan(from):
		return "downgrade"
	default:
		return "change"
	}
}
