package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config  *Config
	once    bool
	version string
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithOnce makes Run reconcile both sides, apply the result and exit
// instead of watching for changes.
func WithOnce(once bool) Option {
	return func(a *application) {
		a.once = once
	}
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *application) {
		a.version = v
	}
}
