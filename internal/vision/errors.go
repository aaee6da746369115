package vision

import "errors"

// Sentinel errors for the expected, non-fatal ways a recognition
// attempt can come up empty. Every one of these reduces to
// "no embedding produced" at the engine boundary — callers check for
// them only to decide a log level, never to retry.
var (
	errNoImage     = errors.New("vision: empty image payload")
	errNoFace      = errors.New("vision: no face candidate above threshold")
	errZeroAreaBox = errors.New("vision: detected box has zero area after clamping")
	errNotLive     = errors.New("vision: liveness probability below threshold")
)
