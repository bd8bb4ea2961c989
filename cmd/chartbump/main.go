package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/helmupgradebot/chartbump/internal/cfg"
	"github.com/helmupgradebot/chartbump/internal/chart"
	"github.com/helmupgradebot/chartbump/internal/cmdexec"
	"github.com/helmupgradebot/chartbump/internal/gitcli"
	"github.com/helmupgradebot/chartbump/internal/githubclt"
	"github.com/helmupgradebot/chartbump/internal/logfields"
	"github.com/helmupgradebot/chartbump/internal/upgrade"
	"github.com/helmupgradebot/chartbump/internal/vault"
)

const appName = "chartbump"

// TokenEnvVar is checked for the github API token before falling back to
// the configured key vault.
const TokenEnvVar = "CHARTBUMP_GITHUB_TOKEN"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

type arguments struct {
	Verbose     *bool
	DryRun      *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/chartbump/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		DryRun: pflag.Bool(
			"dry-run",
			false,
			"only report outdated chart dependencies, do not fork, commit or open a pull request",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the chartbump configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nUpgrade helm chart dependency pins of a deployment repository via pull requests.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	encCfg := zap.NewProductionEncoderConfig()

	encCfg.LevelKey = "loglevel"
	if config.LogTimeKey != "" {
		encCfg.TimeKey = config.LogTimeKey
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	return encCfg
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	encCfg := zapEncoderConfig(config)

	return zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(encCfg),
		os.Stdout,
		logLevel),
	)
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Sampling = nil
	zapCfg.EncoderConfig = zapEncoderConfig(config)
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.Encoding = config.LogFormat
	zapCfg.Level = zap.NewAtomicLevelAt(logLevel)

	l, err := zapCfg.Build()
	exitOnErr("could not initialize logger", err)

	return l
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// mustResolveToken returns the github API token, preferring the environment
// variable over the configured azure key vault.
func mustResolveToken(ctx context.Context, config *cfg.Config) string {
	if token := os.Getenv(TokenEnvVar); token != "" {
		logger.Debug(
			"using github API token from environment",
			logfields.Event("token_from_environment"),
			zap.String("env_var", TokenEnvVar),
		)

		return token
	}

	if config.Keyvault == "" {
		logger.Error(
			fmt.Sprintf("no github API token available, set %s or configure keyvault and secret_name", TokenEnvVar),
			logfields.Event("token_missing"),
		)

		goodbye.Exit(ctx, 1)
	}

	vaultClt := vault.New(cmdexec.New(), config.AzureIdentity)

	if err := vaultClt.Login(ctx); err != nil {
		logger.Error("azure login failed", logfields.Event("azure_login_failed"), zap.Error(err))
		goodbye.Exit(ctx, 1)
	}

	token, err := vaultClt.Secret(ctx, config.Keyvault, config.SecretName)
	if err != nil {
		logger.Error("retrieving the github API token failed",
			logfields.Event("token_retrieval_failed"), zap.Error(err))
		goodbye.Exit(ctx, 1)
	}

	return token
}

func rawManifestURL(config *cfg.Config, baseBranch string) string {
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s/requirements.yaml",
		config.RepositoryOwner, config.RepositoryName, baseBranch, config.ChartName)
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), -1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	ctx := context.Background()

	token := mustResolveToken(ctx, config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		logfields.RepositoryOwner(config.RepositoryOwner),
		logfields.Repository(config.RepositoryName),
		logfields.Chart(config.ChartName),
		logfields.Branch(config.WorkingBranch),
		zap.String("github_api_token", hide(token)),
		zap.Strings("pr_labels", config.PRLabels),
		zap.Bool("dry_run", *args.DryRun),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
	)

	ghClient := githubclt.New(token)

	baseBranch, err := ghClient.DefaultBranch(ctx, config.RepositoryOwner, config.RepositoryName)
	if err != nil {
		logger.Error("resolving the upstream default branch failed",
			logfields.Event("default_branch_resolution_failed"), zap.Error(err))
		goodbye.Exit(ctx, 1)
	}

	fetcher := chart.NewFetcher(nil)

	deployed, err := fetcher.DeployedVersions(ctx, rawManifestURL(config, baseBranch))
	if err != nil {
		logger.Error("fetching deployed chart versions failed",
			logfields.Event("deployed_versions_fetch_failed"), zap.Error(err))
		goodbye.Exit(ctx, 1)
	}

	published, err := fetcher.PublishedVersions(ctx, config.ChartSources)
	if err != nil {
		logger.Error("fetching published chart versions failed",
			logfields.Event("published_versions_fetch_failed"), zap.Error(err))
		goodbye.Exit(ctx, 1)
	}

	outdated := chart.Outdated(deployed, published, config.ChartName)
	records := chart.Records(outdated, deployed, published)

	workDir, err := os.MkdirTemp("", appName+"-*")
	if err != nil {
		logger.Error("creating the working directory failed",
			logfields.Event("workdir_creation_failed"), zap.Error(err))
		goodbye.Exit(ctx, 1)
	}

	upgrader := upgrade.New(
		&upgrade.RunContext{
			UpstreamOwner:  config.RepositoryOwner,
			RepositoryName: config.RepositoryName,
			ChartName:      config.ChartName,
			BotLogin:       config.BotLogin,
			BotEmail:       config.BotEmail,
			WorkingBranch:  config.WorkingBranch,
			BaseBranch:     baseBranch,
			Token:          token,
			Labels:         config.PRLabels,
			WorkDir:        workDir,
			DryRun:         *args.DryRun,
		},
		ghClient,
		gitcli.New(cmdexec.New(token)),
	)

	// the local clone must not survive the process, also when it is
	// terminated via a signal
	goodbye.Register(func(context.Context, os.Signal) {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("removing the working directory failed",
				logfields.Event("workdir_removal_failed"), zap.Error(err))
		}
	})

	err = upgrader.Run(ctx, records)

	if removeErr := os.RemoveAll(workDir); removeErr != nil {
		logger.Warn("removing the working directory failed",
			logfields.Event("workdir_removal_failed"), zap.Error(removeErr))
	}

	if err != nil {
		goodbye.Exit(ctx, 1)
	}

	goodbye.Exit(ctx, 0)
}
