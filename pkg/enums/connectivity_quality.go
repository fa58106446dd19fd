package enums

// ConnectivityQuality classifies how usable the path to the remote API is.
type ConnectivityQuality string

const (
	ConnectivityGood    ConnectivityQuality = "good"
	ConnectivityPoor    ConnectivityQuality = "poor"
	ConnectivityOffline ConnectivityQuality = "offline"
)

// Reachable reports whether the quality still allows remote calls.
func (q ConnectivityQuality) Reachable() bool {
	return q == ConnectivityGood || q == ConnectivityPoor
}
