// Package config implements the layered settings model: built-in defaults,
// a dotfile, the process environment, DB-stored overrides, and init-time
// overrides, materialized into a validated Settings value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/clearmedia/clearmedia/internal/safeurl"
)

// DefaultVideoExtensions is the extension allow-list applied when
// VIDEO_EXTENSIONS is not configured.
const DefaultVideoExtensions = ".mp4,.mkv,.avi,.mov,.wmv,.flv,.webm,.m4v"

// Settings is the materialized configuration. Field names map 1:1 onto the
// configuration keys (SOURCE_DIR and so on) listed in keyOrder.
type Settings struct {
	DatabaseURL string

	OpenAIAPIKey  string
	OpenAIAPIBase string
	OpenAIModel   string

	TMDBAPIKey      string
	TMDBLanguage    string
	TMDBConcurrency int

	SourceDir string
	TargetDir string

	ScanIntervalSeconds  int
	ScanExcludeTargetDir bool
	ScanFollowSymlinks   bool
	MinFileSizeMB        int
	VideoExtensions      string

	EnableLLM  bool
	EnableTMDB bool

	WorkerCount             int
	ProducerBatchSize       int
	ProducerIntervalSeconds int

	LogLevel    string
	CORSOrigins string
	AppEnv      string
	ListenAddr  string
}

// Defaults returns the built-in base layer.
func Defaults() Settings {
	return Settings{
		DatabaseURL:             "sqlite:///clearmedia.db",
		OpenAIAPIBase:           "https://api.openai.com/v1",
		OpenAIModel:             "gpt-4-turbo-preview",
		TMDBLanguage:            "zh-CN",
		TMDBConcurrency:         10,
		ScanIntervalSeconds:     300,
		ScanExcludeTargetDir:    true,
		ScanFollowSymlinks:      false,
		MinFileSizeMB:           10,
		VideoExtensions:         DefaultVideoExtensions,
		EnableLLM:               true,
		EnableTMDB:              true,
		WorkerCount:             2,
		ProducerBatchSize:       10,
		ProducerIntervalSeconds: 10,
		LogLevel:                "INFO",
		CORSOrigins:             "*",
		AppEnv:                  "development",
		ListenAddr:              ":8000",
	}
}

// keyOrder is the full configuration schema, in display order.
var keyOrder = []string{
	"DATABASE_URL",
	"OPENAI_API_KEY",
	"OPENAI_API_BASE",
	"OPENAI_MODEL",
	"TMDB_API_KEY",
	"TMDB_LANGUAGE",
	"TMDB_CONCURRENCY",
	"SOURCE_DIR",
	"TARGET_DIR",
	"SCAN_INTERVAL_SECONDS",
	"SCAN_EXCLUDE_TARGET_DIR",
	"SCAN_FOLLOW_SYMLINKS",
	"MIN_FILE_SIZE_MB",
	"VIDEO_EXTENSIONS",
	"ENABLE_LLM",
	"ENABLE_TMDB",
	"WORKER_COUNT",
	"PRODUCER_BATCH_SIZE",
	"PRODUCER_INTERVAL_SECONDS",
	"LOG_LEVEL",
	"CORS_ORIGINS",
	"APP_ENV",
	"LISTEN_ADDR",
}

// blacklist holds keys the config API refuses to mutate.
var blacklist = map[string]struct{}{
	"DATABASE_URL":   {},
	"OPENAI_API_KEY": {},
	"TMDB_API_KEY":   {},
	"SOURCE_DIR":     {},
	"TARGET_DIR":     {},
	"ENABLE_TMDB":    {},
	"ENABLE_LLM":     {},
}

// KnownKeys returns the schema keys in display order.
func KnownKeys() []string {
	out := make([]string, len(keyOrder))
	copy(out, keyOrder)
	return out
}

// IsKnownKey reports whether key is part of the schema.
func IsKnownKey(key string) bool {
	for _, k := range keyOrder {
		if k == key {
			return true
		}
	}
	return false
}

// IsBlacklisted reports whether the config API may not mutate key.
func IsBlacklisted(key string) bool {
	_, ok := blacklist[key]
	return ok
}

// BlacklistKeys returns the protected keys, sorted.
func BlacklistKeys() []string {
	out := make([]string, 0, len(blacklist))
	for k := range blacklist {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ErrUnknownKey is returned by Set for keys outside the schema.
var ErrUnknownKey = fmt.Errorf("unknown config key")

// Set assigns one key from its string form. Type errors are reported here;
// range and cross-field checks are deferred to Validate.
func (s *Settings) Set(key, value string) error {
	switch key {
	case "DATABASE_URL":
		s.DatabaseURL = value
	case "OPENAI_API_KEY":
		s.OpenAIAPIKey = value
	case "OPENAI_API_BASE":
		s.OpenAIAPIBase = value
	case "OPENAI_MODEL":
		s.OpenAIModel = value
	case "TMDB_API_KEY":
		s.TMDBAPIKey = value
	case "TMDB_LANGUAGE":
		s.TMDBLanguage = value
	case "TMDB_CONCURRENCY":
		return setInt(&s.TMDBConcurrency, key, value)
	case "SOURCE_DIR":
		s.SourceDir = value
	case "TARGET_DIR":
		s.TargetDir = value
	case "SCAN_INTERVAL_SECONDS":
		return setInt(&s.ScanIntervalSeconds, key, value)
	case "SCAN_EXCLUDE_TARGET_DIR":
		return setBool(&s.ScanExcludeTargetDir, key, value)
	case "SCAN_FOLLOW_SYMLINKS":
		return setBool(&s.ScanFollowSymlinks, key, value)
	case "MIN_FILE_SIZE_MB":
		return setInt(&s.MinFileSizeMB, key, value)
	case "VIDEO_EXTENSIONS":
		s.VideoExtensions = value
	case "ENABLE_LLM":
		return setBool(&s.EnableLLM, key, value)
	case "ENABLE_TMDB":
		return setBool(&s.EnableTMDB, key, value)
	case "WORKER_COUNT":
		return setInt(&s.WorkerCount, key, value)
	case "PRODUCER_BATCH_SIZE":
		return setInt(&s.ProducerBatchSize, key, value)
	case "PRODUCER_INTERVAL_SECONDS":
		return setInt(&s.ProducerIntervalSeconds, key, value)
	case "LOG_LEVEL":
		s.LogLevel = strings.ToUpper(strings.TrimSpace(value))
	case "CORS_ORIGINS":
		s.CORSOrigins = value
	case "APP_ENV":
		s.AppEnv = value
	case "LISTEN_ADDR":
		s.ListenAddr = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}

// Get returns the string form of one key, mirroring Set.
func (s *Settings) Get(key string) (string, bool) {
	switch key {
	case "DATABASE_URL":
		return s.DatabaseURL, true
	case "OPENAI_API_KEY":
		return s.OpenAIAPIKey, true
	case "OPENAI_API_BASE":
		return s.OpenAIAPIBase, true
	case "OPENAI_MODEL":
		return s.OpenAIModel, true
	case "TMDB_API_KEY":
		return s.TMDBAPIKey, true
	case "TMDB_LANGUAGE":
		return s.TMDBLanguage, true
	case "TMDB_CONCURRENCY":
		return strconv.Itoa(s.TMDBConcurrency), true
	case "SOURCE_DIR":
		return s.SourceDir, true
	case "TARGET_DIR":
		return s.TargetDir, true
	case "SCAN_INTERVAL_SECONDS":
		return strconv.Itoa(s.ScanIntervalSeconds), true
	case "SCAN_EXCLUDE_TARGET_DIR":
		return strconv.FormatBool(s.ScanExcludeTargetDir), true
	case "SCAN_FOLLOW_SYMLINKS":
		return strconv.FormatBool(s.ScanFollowSymlinks), true
	case "MIN_FILE_SIZE_MB":
		return strconv.Itoa(s.MinFileSizeMB), true
	case "VIDEO_EXTENSIONS":
		return s.VideoExtensions, true
	case "ENABLE_LLM":
		return strconv.FormatBool(s.EnableLLM), true
	case "ENABLE_TMDB":
		return strconv.FormatBool(s.EnableTMDB), true
	case "WORKER_COUNT":
		return strconv.Itoa(s.WorkerCount), true
	case "PRODUCER_BATCH_SIZE":
		return strconv.Itoa(s.ProducerBatchSize), true
	case "PRODUCER_INTERVAL_SECONDS":
		return strconv.Itoa(s.ProducerIntervalSeconds), true
	case "LOG_LEVEL":
		return s.LogLevel, true
	case "CORS_ORIGINS":
		return s.CORSOrigins, true
	case "APP_ENV":
		return s.AppEnv, true
	case "LISTEN_ADDR":
		return s.ListenAddr, true
	}
	return "", false
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s: not an integer: %q", key, value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key, value string) error {
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return fmt.Errorf("%s: not a boolean: %q", key, value)
	}
	*dst = b
	return nil
}

var logLevels = map[string]struct{}{
	"TRACE": {}, "DEBUG": {}, "INFO": {}, "WARNING": {}, "ERROR": {}, "CRITICAL": {},
}

// Validate checks ranges and formats and normalizes paths. SOURCE_DIR and
// TARGET_DIR are created when missing and must end up read-writable.
func (s *Settings) Validate() error {
	if !strings.HasPrefix(s.DatabaseURL, "sqlite:///") {
		return fmt.Errorf("DATABASE_URL: only sqlite is supported, URL must start with sqlite:///")
	}
	if !safeurl.IsHTTPOrHTTPS(s.OpenAIAPIBase) {
		return fmt.Errorf("OPENAI_API_BASE: must be an http or https URL, got %q", s.OpenAIAPIBase)
	}
	if s.ScanIntervalSeconds < 60 || s.ScanIntervalSeconds > 3600 {
		return fmt.Errorf("SCAN_INTERVAL_SECONDS: %d out of range [60, 3600]", s.ScanIntervalSeconds)
	}
	if s.MinFileSizeMB < 0 {
		return fmt.Errorf("MIN_FILE_SIZE_MB: %d must be >= 0", s.MinFileSizeMB)
	}
	if s.TMDBConcurrency < 1 || s.TMDBConcurrency > 20 {
		return fmt.Errorf("TMDB_CONCURRENCY: %d out of range [1, 20]", s.TMDBConcurrency)
	}
	if s.WorkerCount < 1 || s.WorkerCount > 10 {
		return fmt.Errorf("WORKER_COUNT: %d out of range [1, 10]", s.WorkerCount)
	}
	if s.ProducerBatchSize < 1 {
		return fmt.Errorf("PRODUCER_BATCH_SIZE: %d must be >= 1", s.ProducerBatchSize)
	}
	if s.ProducerIntervalSeconds < 1 {
		return fmt.Errorf("PRODUCER_INTERVAL_SECONDS: %d must be >= 1", s.ProducerIntervalSeconds)
	}
	if _, ok := logLevels[s.LogLevel]; !ok {
		return fmt.Errorf("LOG_LEVEL: invalid level %q", s.LogLevel)
	}
	lang := strings.ReplaceAll(s.TMDBLanguage, "-", "")
	if lang == "" || !isAlnum(lang) {
		return fmt.Errorf("TMDB_LANGUAGE: invalid language code %q", s.TMDBLanguage)
	}

	exts, err := normalizeExtensions(s.VideoExtensions)
	if err != nil {
		return err
	}
	s.VideoExtensions = strings.Join(exts, ",")

	if s.SourceDir == "" {
		return fmt.Errorf("SOURCE_DIR: required")
	}
	if s.TargetDir == "" {
		return fmt.Errorf("TARGET_DIR: required")
	}
	for _, dir := range []*string{&s.SourceDir, &s.TargetDir} {
		abs, err := ensureDir(*dir)
		if err != nil {
			return err
		}
		*dir = abs
	}
	return nil
}

// ensureDir creates dir when missing, verifies read/write access, and
// returns its absolute path.
func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cannot create directory %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("cannot resolve directory %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(abs, ".rwcheck-*")
	if err != nil {
		return "", fmt.Errorf("directory %s is not writable: %w", abs, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return abs, nil
}

func normalizeExtensions(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimSpace(part))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("VIDEO_EXTENSIONS: extension must start with '.': %q", ext)
		}
		body := ext[1:]
		if body == "" || !isAlnum(body) {
			return nil, fmt.Errorf("VIDEO_EXTENSIONS: extension body must be alphanumeric: %q", ext)
		}
		out = append(out, ext)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("VIDEO_EXTENSIONS: list must not be empty")
	}
	return out, nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// DatabasePath strips the sqlite:/// scheme, yielding the on-disk path.
func (s *Settings) DatabasePath() string {
	return strings.TrimPrefix(s.DatabaseURL, "sqlite:///")
}

// ExtensionSet returns the allowed extensions as a lowercase lookup set.
func (s *Settings) ExtensionSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, ext := range strings.Split(s.VideoExtensions, ",") {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" {
			set[ext] = struct{}{}
		}
	}
	return set
}

// CORSOriginList splits CORS_ORIGINS into individual origins.
func (s *Settings) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(s.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}

// Map returns the settings keyed by schema key with native JSON types.
func (s *Settings) Map() map[string]any {
	return map[string]any{
		"DATABASE_URL":              s.DatabaseURL,
		"OPENAI_API_KEY":            s.OpenAIAPIKey,
		"OPENAI_API_BASE":           s.OpenAIAPIBase,
		"OPENAI_MODEL":              s.OpenAIModel,
		"TMDB_API_KEY":              s.TMDBAPIKey,
		"TMDB_LANGUAGE":             s.TMDBLanguage,
		"TMDB_CONCURRENCY":          s.TMDBConcurrency,
		"SOURCE_DIR":                s.SourceDir,
		"TARGET_DIR":                s.TargetDir,
		"SCAN_INTERVAL_SECONDS":     s.ScanIntervalSeconds,
		"SCAN_EXCLUDE_TARGET_DIR":   s.ScanExcludeTargetDir,
		"SCAN_FOLLOW_SYMLINKS":      s.ScanFollowSymlinks,
		"MIN_FILE_SIZE_MB":          s.MinFileSizeMB,
		"VIDEO_EXTENSIONS":          s.VideoExtensions,
		"ENABLE_LLM":                s.EnableLLM,
		"ENABLE_TMDB":               s.EnableTMDB,
		"WORKER_COUNT":              s.WorkerCount,
		"PRODUCER_BATCH_SIZE":       s.ProducerBatchSize,
		"PRODUCER_INTERVAL_SECONDS": s.ProducerIntervalSeconds,
		"LOG_LEVEL":                 s.LogLevel,
		"CORS_ORIGINS":              s.CORSOrigins,
		"APP_ENV":                   s.AppEnv,
		"LISTEN_ADDR":               s.ListenAddr,
	}
}

// MaskedMap is Map with credential-bearing values replaced by asterisks.
// Empty secrets stay empty so operators can tell unset from hidden.
func (s *Settings) MaskedMap() map[string]any {
	m := s.Map()
	for key, v := range m {
		if !strings.HasSuffix(key, "_API_KEY") {
			continue
		}
		if str, ok := v.(string); ok && str != "" {
			m[key] = "********"
		}
	}
	return m
}
