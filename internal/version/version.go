// Package version holds the plugin identity reported by the service.
package version

const (
	// Name is the plugin name registered with the serving platform.
	Name = "multi-tenant-serving"
	// Version is the plugin release.
	Version = "0.1.0"
)

// String returns "name vX.Y.Z".
func String() string {
	return Name + " v" + Version
}
