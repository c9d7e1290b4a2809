// Package playback holds the shared playback domain: snapshots, track
// identity, the local player surface, the follower-side reconciler and the
// broadcaster-side emitter.
package playback

// TrackRef identifies a track by catalog id, local library id, or both.
// The zero value means "no track identity".
type TrackRef struct {
	CatalogID string
	LocalID   string
}

// Key returns the preferred identity: catalog id first, else local id,
// else the empty string.
func (t TrackRef) Key() string {
	if t.CatalogID != "" {
		return t.CatalogID
	}
	return t.LocalID
}

// IsZero reports whether the ref carries no identity at all.
func (t TrackRef) IsZero() bool {
	return t.CatalogID == "" && t.LocalID == ""
}

// Same compares two refs by their preferred identity.
func (t TrackRef) Same(o TrackRef) bool {
	return t.Key() == o.Key()
}

// Snapshot is one full description of a playback timeline at an instant.
// Position and ServerTime are in seconds; ServerTime is unix time on the
// relay's clock, 0 when absent. Snapshots are transient and never persisted.
type Snapshot struct {
	Position   float64
	Playing    bool
	ServerTime float64
	Track      TrackRef
	Title      string
	Artist     string
}
