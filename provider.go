package produce

import (
	"strings"
	"sync/atomic"
)

// Provider identifies a codec implementation.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let the selector choose
	ProviderBuiltin                  // Pure Go implementations shipped with this package
	ProviderVAAPI                    // GPU encode through libstream_hwaccel
	ProviderX264                     // GPL H.264 encoder
	ProviderOpenH264                 // BSD H.264 encoder
	ProviderLibvpx                   // BSD VP8/VP9
	ProviderLibopus                  // BSD Opus
	providerCount
)

// License represents the software license of a provider.
type License uint8

const (
	LicenseGPL License = iota // Copyleft - requires source disclosure
	LicenseBSD                // Permissive - no copyleft obligations
)

// Permissive returns true if the license has no copyleft obligations.
func (l License) Permissive() bool { return l == LicenseBSD }

func (l License) String() string {
	switch l {
	case LicenseGPL:
		return "GPL"
	case LicenseBSD:
		return "BSD"
	default:
		return "unknown"
	}
}

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureLowLatency     Features = 1 << iota // Optimized for real-time
	FeatureDynamicBitrate                      // Runtime bitrate changes
	FeatureDynamicQuality                      // Runtime quality/preference changes
	FeatureZeroCopy                            // Consumes GPU surfaces without readback
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

type providerMeta struct {
	Name     string
	License  License
	Hardware bool
	Features Features
}

var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {"auto", LicenseBSD, false, 0},
	ProviderBuiltin:  {"builtin", LicenseBSD, false, FeatureLowLatency},
	ProviderVAAPI:    {"vaapi", LicenseBSD, true, FeatureLowLatency | FeatureDynamicBitrate | FeatureDynamicQuality | FeatureZeroCopy},
	ProviderX264:     {"x264", LicenseGPL, false, FeatureLowLatency | FeatureDynamicBitrate | FeatureDynamicQuality},
	ProviderOpenH264: {"openh264", LicenseBSD, false, FeatureLowLatency | FeatureDynamicBitrate},
	ProviderLibvpx:   {"libvpx", LicenseBSD, false, FeatureLowLatency | FeatureDynamicBitrate | FeatureDynamicQuality},
	ProviderLibopus:  {"libopus", LicenseBSD, false, FeatureDynamicBitrate | FeatureLowLatency},
}

// Runtime availability - set by init() in provider implementations.
var providerAvailable [providerCount]atomic.Bool

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// License returns the provider's license type.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseGPL
	}
	return providerInfo[p].License
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

// IsHardware reports whether the provider runs on a GPU or fixed-function encoder.
func (p Provider) IsHardware() bool {
	if p >= providerCount {
		return false
	}
	return providerInfo[p].Hardware
}

// Available returns true if the provider's native library loaded.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}

// ParseProvider maps a provider name to a Provider. Empty means ProviderAuto.
func ParseProvider(name string) (Provider, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderAuto, true
	}
	for p := Provider(0); p < providerCount; p++ {
		if providerInfo[p].Name == name {
			return p, true
		}
	}
	return ProviderAuto, false
}
