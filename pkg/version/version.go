// Package version holds the agent build version.
package version

// Version is set at build time via -ldflags.
var Version = "dev"

// UserAgent returns the User-Agent header value for outgoing requests.
func UserAgent() string {
	return "devopsmate-agent/" + Version
}
