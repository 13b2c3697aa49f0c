package version

// Version is the engine build version, overridden at build time with
// -ldflags "-X github.com/playmill/playmill/internal/version.Version=...".
var Version = "dev"
