package domain

// DeviceInfo is the transport-level snapshot of a connecting client.
// The fingerprint is a one-way hash of user agent and IP, recomputed on every
// request and compared against the creation-time snapshot, never overwritten.
type DeviceInfo struct {
	UserAgent   string
	IPAddress   string
	Browser     string
	OS          string
	DeviceClass string
	Fingerprint string
}
