package upgrade

import (
	"fmt"
	"strings"

	"github.com/helmupgradebot/chartbump/internal/chart"
)

// commitMessage names every updated chart and its new version.
func commitMessage(records []chart.VersionRecord) string {
	if len(records) == 1 {
		return fmt.Sprintf("Bump chart dependency %s to version %s",
			records[0].Chart, records[0].Published)
	}

	names := make([]string, 0, len(records))
	versions := make([]string, 0, len(records))

	for _, rec := range records {
		names = append(names, rec.Chart)
		versions = append(versions, rec.Published)
	}

	return fmt.Sprintf("Bump chart dependencies %s to versions %s, respectively",
		strings.Join(names, ", "), strings.Join(versions, ", "))
}

func prTitle(records []chart.VersionRecord) string {
	return commitMessage(records)
}

func prBody(chartName string, records []chart.VersionRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b,
		"This PR updates the pinned dependency versions of the %s chart to the latest published releases.\n\n",
		chartName)

	for _, rec := range records {
		fmt.Fprintf(&b, "- `%s`: %s to %s (%s)\n",
			rec.Chart, rec.Deployed, rec.Published,
			chart.ChangeKind(rec.Deployed, rec.Published))
	}

	b.WriteString("\nThis pull request was opened automatically, the fork and working branch are managed by the bot.\n")

	return b.String()
}
