package security

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/costwise/session-security-service/internal/domain"
)

// ResolveDevice derives the device profile bound to a session from the two
// request attributes the dashboard reliably has: User-Agent and client IP.
// The fingerprint is deterministic, so the same browser on the same network
// always maps to the same device.
func ResolveDevice(userAgent, ipAddress string) domain.DeviceInfo {
	return domain.DeviceInfo{
		UserAgent:   userAgent,
		IPAddress:   ipAddress,
		Browser:     detectBrowser(userAgent),
		OS:          detectOS(userAgent),
		DeviceClass: detectDeviceClass(userAgent),
		Fingerprint: Fingerprint(userAgent, ipAddress),
	}
}

// Fingerprint hashes user agent and IP into a 16-hex-char device identifier.
func Fingerprint(userAgent, ipAddress string) string {
	sum := blake2b.Sum256([]byte(userAgent + "|" + ipAddress))
	return hex.EncodeToString(sum[:])[:16]
}

// Ordering matters below: Edge and Opera ship Chrome's token, Chrome ships
// Safari's.
func detectBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "edg/"), strings.Contains(ua, "edge/"):
		return "edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "firefox/"):
		return "firefox"
	case strings.Contains(ua, "chrome/"), strings.Contains(ua, "crios/"):
		return "chrome"
	case strings.Contains(ua, "safari/"):
		return "safari"
	default:
		return "unknown"
	}
}

func detectOS(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ios"):
		return "ios"
	case strings.Contains(ua, "mac os"), strings.Contains(ua, "macintosh"):
		return "macos"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return "unknown"
	}
}

func detectDeviceClass(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "iphone"), strings.Contains(ua, "android"):
		return "mobile"
	case userAgent == "":
		return "unknown"
	default:
		return "desktop"
	}
}
