package common

// Version information, overridden at build time via -ldflags
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// GetVersionInfo returns formatted version information
func GetVersionInfo() string {
	return "hktick-collector " + Version + " (commit: " + GitCommit + ", built: " + BuildTime + ")"
}
