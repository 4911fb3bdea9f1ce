package clientfactory

import (
	"io"
	"log"
	"log/slog"
)

type Config struct {
	errorf    func(format string, args ...interface{})
	logger    *slog.Logger
	client    HttpClient
	maxBody   int64
	debug     io.Writer
	overrides map[string]any
	baseURL   string
}

func NewDefaultConfig() *Config {
	return &Config{
		errorf:  log.Printf,
		logger:  slog.Default(),
		maxBody: 10 * 1024 * 1024,
	}
}

type Option func(*Config)

// ErrorLogger sets the printf-style hook for non-fatal failures such as
// errors closing response bodies.
func ErrorLogger(logger func(format string, args ...interface{})) Option {
	return func(config *Config) {
		config.errorf = logger
	}
}

// Logger sets the structured logger.
func Logger(logger *slog.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// CustomClient replaces the default HTTP client of engines that
// declare none.
func CustomClient(client HttpClient) Option {
	return func(config *Config) {
		config.client = client
	}
}

// MaxBody limits the size of response bodies read by engines that
// declare no limit.
func MaxBody(maxBody int64) Option {
	return func(config *Config) {
		config.maxBody = maxBody
	}
}

// Debug dumps every HTTP exchange to w as curl commands and raw responses.
func Debug(w io.Writer) Option {
	return func(config *Config) {
		config.debug = w
	}
}

// Override replaces the declared value of the slot at the dotted path,
// e.g. "engine.session.auth". The value is a nested definition, a ready
// component or a Factory.
func Override(path string, value any) Option {
	return func(config *Config) {
		if config.overrides == nil {
			config.overrides = make(map[string]any)
		}
		config.overrides[path] = value
	}
}

// BaseURL replaces the declared base URL of a client.
func BaseURL(baseURL string) Option {
	return func(config *Config) {
		config.baseURL = baseURL
	}
}
