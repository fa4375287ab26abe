// Package version holds the build-time version string, overridden via
// -ldflags "-X .../version.Version=..." in release builds.
package version

// Version is the cacheproxy release version. "dev" for local builds.
var Version = "dev"
