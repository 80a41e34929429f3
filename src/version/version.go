package version

// Version is the release version, overridable at build time via
// -ldflags "-X ebs-backup/src/version.Version=...".
var Version = "0.1.0"
