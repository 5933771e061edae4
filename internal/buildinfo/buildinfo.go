// Package buildinfo holds build-time version metadata shared across binaries.
package buildinfo

// These are overridden at build time via -ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)
