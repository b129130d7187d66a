package build

// Version is the version of the server binary, set at build time via
// -ldflags for release builds.
var Version = "0.0.0"

// IssuesURL is where bug reports surfaced through logging point users to.
const IssuesURL = "https://github.com/uroni/urbackup-backend-sub003/issues"

// DEBUG toggles verbose debug logging. It is false in release builds.
var DEBUG = false
