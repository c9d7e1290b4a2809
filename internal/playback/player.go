package playback

// Player is the narrow control surface the reconciler needs from the local
// media player. Implementations bridge to whatever playback engine the host
// app uses; they are expected to tolerate rapid repeated calls.
//
// ReplaceQueue swaps the play queue for exactly the given track. It may block
// while the track identity is resolved against a catalog or local library;
// the reconciler always calls it off its own timeline.
type Player interface {
	Position() float64
	Playing() bool
	Seek(seconds float64)
	Play()
	Pause()
	ReplaceQueue(track TrackRef) error
}

// Source is the read-only surface the emitter samples from the broadcaster's
// local player.
type Source interface {
	Position() float64
	Playing() bool
	CurrentTrack() TrackRef
	TrackInfo() (title, artist string)
}
