// Package version holds the relaydesk module's reported build version.
// Version is a plain var rather than a const so it can be overridden at
// build time via -ldflags "-X .../internal/version.Version=...".
package version

var Version = "0.1.0-dev"
