// Package buildinfo carries build metadata set through -ldflags.
package buildinfo

// Version is overridden at build time with
// -ldflags "-X dockhealth/internal/buildinfo.Version=v1.2.3".
var Version = "dev"
