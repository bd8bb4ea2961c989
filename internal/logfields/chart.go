package logfields

import "go.uber.org/zap"

func Chart(val string) zap.Field {
	return zap.String("chart.name", val)
}

func ChartVersion(val string) zap.Field {
	return zap.String("chart.version", val)
}

func DeployedVersion(val string) zap.Field {
	return zap.String("chart.deployed_version", val)
}

func PublishedVersion(val string) zap.Field {
	return zap.String("chart.published_version", val)
}
