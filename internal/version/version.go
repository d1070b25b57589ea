// Package version carries the build version of the warpcall binaries.
package version

// Version can be overridden at build time using:
//
//	go build -ldflags="-X 'github.com/BioHazard786/warpcall/internal/version.Version=v1.0.0'"
var Version = "dev"

// UserAgent identifies the client to the relay.
func UserAgent() string {
	return "warpcall/" + Version
}
