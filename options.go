package shiki

import (
	"io"
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port       int
	transport  string
	logger     *slog.Logger
	version    string
	httpClient *http.Client
	powerBIURL string
	fabricURL  string
	token      string
	stdin      io.Reader
	stdout     io.Writer
	skipDotEnv bool
}

// WithPort overrides the TCP port from config (SHIKI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithTransport overrides the MCP transport from config (SHIKI_TRANSPORT env var).
// Accepted values are "stdio" and "http".
func WithTransport(transport string) Option {
	return func(o *resolvedOptions) { o.transport = transport }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported to MCP clients and in the health endpoint.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithHTTPClient replaces the client used for outbound Power BI and Fabric calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithAPIBaseURLs overrides the Power BI and Fabric API roots
// (POWERBI_API_URL, FABRIC_API_URL). Empty values keep the configured ones.
func WithAPIBaseURLs(powerBI, fabric string) Option {
	return func(o *resolvedOptions) {
		o.powerBIURL = powerBI
		o.fabricURL = fabric
	}
}

// WithToken overrides the access token from config (POWERBI_TOKEN).
func WithToken(token string) Option {
	return func(o *resolvedOptions) { o.token = token }
}

// WithStdio replaces os.Stdin and os.Stdout for the stdio transport.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(o *resolvedOptions) {
		o.stdin = in
		o.stdout = out
	}
}

// WithoutDotEnv skips loading a .env file from the working directory.
func WithoutDotEnv() Option {
	return func(o *resolvedOptions) { o.skipDotEnv = true }
}
