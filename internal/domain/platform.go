package domain

// Platform enumerates the social networks the pipeline can publish to.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// AllPlatforms lists every supported platform in a stable order.
var AllPlatforms = []Platform{PlatformInstagram, PlatformTikTok, PlatformYouTube}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformInstagram, PlatformTikTok, PlatformYouTube:
		return true
	default:
		return false
	}
}

// ViralityMultiplier returns the platform factor used by predicted-virality
// scoring. TikTok content spreads fastest, YouTube slowest.
func (p Platform) ViralityMultiplier() float64 {
	switch p {
	case PlatformTikTok:
		return 1.3
	case PlatformInstagram:
		return 1.1
	case PlatformYouTube:
		return 1.0
	default:
		return 1.0
	}
}
