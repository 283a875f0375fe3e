package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

const (
	configVersionKey     = "version"
	currentConfigVersion = 1

	configBaseName   = "cratewatch"
	configFileName   = configBaseName + ".yaml"
	configFolderPath = "."

	envPrefix = "CRATEWATCH"

	formatFlagName           = "format"
	outputFlagName           = "output"
	parallelFlagName         = "parallel"
	excludeFlagName          = "exclude"
	skipDependenciesFlagName = "skip-dependencies"
	deepFlagName             = "deep"
	modeFlagName             = "mode"
	maxCallsFlagName         = "max-calls"
	quotaPolicyFlagName      = "quota-policy"
	baselineFlagName         = "baseline"
	saveBaselineFlagName     = "save-baseline"
	quietFlagName            = "quiet"
	verboseFlagName          = "verbose"
	logFileFlagName          = "log-file"

	cacheEnabledKey     = "cache.enabled"
	cachePathKey        = "cache.path"
	cacheMaxAgeDaysKey  = "cache.max_age_days"
	cacheAutoCleanupKey = "cache.auto_cleanup"

	rateLimitEnabledKey     = "rate_limiting.enabled"
	rateLimitMinIntervalKey = "rate_limiting.min_interval_seconds"
	rateLimitPerMinuteKey   = "rate_limiting.max_requests_per_minute"

	maxFileSizeKey      = "scanning.max_file_size"
	excludeConfigKey    = "scanning.exclude_patterns"
	workersConfigKey    = "scanning.concurrent_workers"
	maxChunkSizeKey     = "scanning.max_chunk_size"
	skipDependenciesKey = "scanning.skip_dependencies"
	deepScanAllKey      = "scanning.deep_scan_all"
	scanTimeoutKey      = "scanning.timeout_seconds"

	providerKey       = "analysis_service.provider"
	endpointKey       = "analysis_service.endpoint"
	modelKey          = "analysis_service.model"
	credentialKey     = "analysis_service.credential"
	serviceTimeoutKey = "analysis_service.timeout_seconds"
	maxAttemptsKey    = "analysis_service.max_attempts"
	initialBackoffKey = "analysis_service.initial_backoff_seconds"
	maxBackoffKey     = "analysis_service.max_backoff_seconds"
	temperatureKey    = "analysis_service.temperature"
	maxTokensKey      = "analysis_service.max_tokens"
	quotaPolicyKey    = "analysis_service.quota_policy"
	modeConfigKey     = "analysis_service.mode"
	maxCallsKey       = "analysis_service.max_calls"

	rulesFileKey          = "rules.file"
	typosquatThresholdKey = "rules.typosquat_threshold"

	metadataEnabledKey      = "metadata.enabled"
	cratesEndpointKey       = "metadata.crates_endpoint"
	goProxyEndpointKey      = "metadata.go_proxy_endpoint"
	metadataTimeoutKey      = "metadata.timeout_seconds"
	metadataRecentDaysKey   = "metadata.recent_days"
	metadataMinDownloadsKey = "metadata.min_downloads"

	reportFormatKey = "report.format"
	reportOutputKey = "report.output"

	metricsFileKey = "telemetry.metrics_file"
	traceFileKey   = "telemetry.trace_file"

	logFilenameKey   = "log.filename"
	logLevelKey      = "log.level"
	logVerboseKey    = "log.verbose"
	logMaxSizeKey    = "log.max_size"
	logMaxBackupsKey = "log.max_backups"
	logMaxAgeKey     = "log.max_age"
	logCompressKey   = "log.compress"

	defaultCacheMaxAgeDays    = 90
	defaultMinIntervalSeconds = 2.0
	defaultRequestsPerMinute  = 20
	defaultMaxFileSize        = 500000
	defaultWorkers            = 4
	defaultMaxChunkSize       = 12000
	defaultProvider           = "gemini"
	defaultServiceTimeout     = 30
	defaultMaxAttempts        = 3
	defaultInitialBackoff     = 1.0
	defaultMaxBackoff         = 60.0
	defaultTemperature        = 0.3
	defaultMaxTokens          = 4096
	defaultTyposquatThreshold = 0.25
	defaultMetadataTimeout    = 10
	defaultRecentDays         = 7
	defaultMinDownloads       = 1000
	defaultReportFormat       = "summary"

	defaultLogFilename   = ".cratewatch.log"
	defaultLogLevel      = int(slog.LevelInfo)
	defaultLogVerbose    = false
	defaultLogMaxSize    = 10
	defaultLogMaxBackups = 3
	defaultLogMaxAge     = 28
	defaultLogCompress   = true
)

var defaultExcludePatterns = []string{
	"**/target/**",
	"**/build/**",
	"**/.git/**",
	"**/node_modules/**",
	"**/bindgen.rs",
	"**/tests.rs",
}

var globalLogger *slog.Logger

func init() {
	viper.SetConfigName(configBaseName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configFolderPath)
	viper.SetConfigFile(filepath.Join(configFolderPath, configFileName))
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return
		}

		slog.Warn("failed to read config file", "file", viper.ConfigFileUsed(), "error", err)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(configVersionKey, currentConfigVersion)

	v.SetDefault(cacheEnabledKey, true)
	v.SetDefault(cachePathKey, defaultCachePath())
	v.SetDefault(cacheMaxAgeDaysKey, defaultCacheMaxAgeDays)
	v.SetDefault(cacheAutoCleanupKey, true)

	v.SetDefault(rateLimitEnabledKey, true)
	v.SetDefault(rateLimitMinIntervalKey, defaultMinIntervalSeconds)
	v.SetDefault(rateLimitPerMinuteKey, defaultRequestsPerMinute)

	v.SetDefault(maxFileSizeKey, defaultMaxFileSize)
	v.SetDefault(excludeConfigKey, defaultExcludePatterns)
	v.SetDefault(workersConfigKey, defaultWorkers)
	v.SetDefault(maxChunkSizeKey, defaultMaxChunkSize)
	v.SetDefault(skipDependenciesKey, false)
	v.SetDefault(deepScanAllKey, false)
	v.SetDefault(scanTimeoutKey, 0)

	v.SetDefault(providerKey, defaultProvider)
	v.SetDefault(endpointKey, "")
	v.SetDefault(modelKey, "")
	v.SetDefault(credentialKey, "")
	v.SetDefault(serviceTimeoutKey, defaultServiceTimeout)
	v.SetDefault(maxAttemptsKey, defaultMaxAttempts)
	v.SetDefault(initialBackoffKey, defaultInitialBackoff)
	v.SetDefault(maxBackoffKey, defaultMaxBackoff)
	v.SetDefault(temperatureKey, defaultTemperature)
	v.SetDefault(maxTokensKey, defaultMaxTokens)
	v.SetDefault(quotaPolicyKey, m.QuotaPolicySkip)
	v.SetDefault(modeConfigKey, m.AnalysisModeAll)
	v.SetDefault(maxCallsKey, 0)

	v.SetDefault(rulesFileKey, "")
	v.SetDefault(typosquatThresholdKey, defaultTyposquatThreshold)

	v.SetDefault(metadataEnabledKey, true)
	v.SetDefault(cratesEndpointKey, "")
	v.SetDefault(goProxyEndpointKey, "")
	v.SetDefault(metadataTimeoutKey, defaultMetadataTimeout)
	v.SetDefault(metadataRecentDaysKey, defaultRecentDays)
	v.SetDefault(metadataMinDownloadsKey, defaultMinDownloads)

	v.SetDefault(reportFormatKey, defaultReportFormat)
	v.SetDefault(reportOutputKey, "")

	v.SetDefault(metricsFileKey, "")
	v.SetDefault(traceFileKey, "")

	// Logging defaults (used by config/env and as fallbacks for flags).
	v.SetDefault(logFilenameKey, defaultLogFilename)
	v.SetDefault(logLevelKey, defaultLogLevel)
	v.SetDefault(logVerboseKey, defaultLogVerbose)
	v.SetDefault(logMaxSizeKey, defaultLogMaxSize)
	v.SetDefault(logMaxBackupsKey, defaultLogMaxBackups)
	v.SetDefault(logMaxAgeKey, defaultLogMaxAge)
	v.SetDefault(logCompressKey, defaultLogCompress)
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(".", ".cratewatch-cache")
	}

	return filepath.Join(dir, configBaseName)
}

// loadSettings resolves and validates the settings held by v.
func loadSettings(v *viper.Viper) (m.Settings, error) {
	var settings m.Settings
	if err := v.Unmarshal(&settings); err != nil {
		return m.Settings{}, &m.ConfigurationError{Err: fmt.Errorf("decode settings: %w", err)}
	}

	if err := newSettingsValidator().Struct(&settings); err != nil {
		var invalid validator.ValidationErrors
		if !errors.As(err, &invalid) {
			return m.Settings{}, &m.ConfigurationError{Err: err}
		}

		problems := make([]string, 0, len(invalid))
		for _, fe := range invalid {
			problems = append(problems, fmt.Sprintf("%s: failed %q (value %v)", settingsKey(fe.Namespace()), fe.Tag(), fe.Value()))
		}

		return m.Settings{}, &m.ConfigurationError{Problems: problems, Err: err}
	}

	return settings, nil
}

// newSettingsValidator names fields by their mapstructure tag so problems
// refer to config keys.
func newSettingsValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}

		if name == "" {
			return field.Name
		}

		return name
	})

	return v
}

// settingsKey maps a validator namespace such as Settings.scanning.max_file_size
// to the config key scanning.max_file_size.
func settingsKey(namespace string) string {
	_, key, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}

	return key
}

func parseSlogLevel(value string, defaultLevel slog.Level) slog.Level {
	level := strings.ToLower(strings.TrimSpace(value))
	if level == "" {
		return defaultLevel
	}

	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}

	// Allow numeric slog levels as well (e.g. -4 for debug).
	if n, err := strconv.Atoi(level); err == nil {
		return slog.Level(n)
	}

	return defaultLevel
}

// configureLogger configures the global slog logger.
//
// By default it logs at Info; if verbose is true it logs at Debug.
func configureLogger(logPath string, verbose bool) {
	if strings.TrimSpace(logPath) == "" {
		logPath = viper.GetString(logFilenameKey)
	}

	if strings.TrimSpace(logPath) == "" {
		logPath = defaultLogFilename
	}

	var logLevel slog.Level
	if verbose || viper.GetBool(logVerboseKey) {
		logLevel = slog.LevelDebug
	} else {
		logLevel = parseSlogLevel(viper.GetString(logLevelKey), slog.LevelInfo)
	}

	logWriter := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    viper.GetInt(logMaxSizeKey),
		MaxBackups: viper.GetInt(logMaxBackupsKey),
		MaxAge:     viper.GetInt(logMaxAgeKey),
		Compress:   viper.GetBool(logCompressKey),
	}

	handler := slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	})

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
}
