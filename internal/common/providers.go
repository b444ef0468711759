package common

// Provider name constants shared by the provider factory, the download cache
// layout and metrics labels.
const (
	// ProviderEarthEngine is the identifier for the Google Earth Engine backend
	ProviderEarthEngine = "earthengine"

	// ProviderM2M is the identifier for the USGS machine-to-machine backend
	ProviderM2M = "m2m"

	// DisplayNameEarthEngine is the human-readable name shown on the command line
	DisplayNameEarthEngine = "Google Earth Engine"

	// DisplayNameM2M is the human-readable name shown on the command line
	DisplayNameM2M = "USGS EarthExplorer (M2M)"
)

// DisplayName returns the human-readable name of a provider identifier.
func DisplayName(provider string) string {
	switch provider {
	case ProviderEarthEngine:
		return DisplayNameEarthEngine
	case ProviderM2M:
		return DisplayNameM2M
	default:
		return provider
	}
}
