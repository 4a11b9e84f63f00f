package version

// Version is set at build time with -ldflags "-X magicer/version.Version=...".
var Version = "dev"
