// ABOUTME: Build and product identification
// ABOUTME: Reported in client/hello device info and the version command
package version

// Version is overridden at build time with -ldflags "-X ...version.Version=1.2.3"
var Version = "0.1.0"

const (
	Product      = "sendspin-native"
	Manufacturer = "Sendspin"

	// ProtocolVersion is the hello version this client speaks
	ProtocolVersion = 1
)

// String returns the product and version for display
func String() string {
	return Product + " " + Version
}
