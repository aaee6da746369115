// Package models holds the data types shared across the gallery, the
// enrollment controller, the session registry, and the repository.
package models

import "time"

// User is the roster entry held by the store and mirrored (for active,
// face-bearing users) into the gallery.
type User struct {
	EnrollID int    `json:"enrollId" db:"enroll_id"`
	Name     string `json:"name" db:"name"`
	HasFace  bool   `json:"hasFace" db:"has_face"`
	IsActive bool   `json:"isActive" db:"is_active"`
}

// GalleryEntry pairs an enrolled user's id with its face embedding.
// Embeddings are L2-normalized by the recognizer; length is
// recognizer-dependent (the gallery itself never assumes a fixed size).
type GalleryEntry struct {
	EnrollID  int
	Embedding []float32
}

// PendingEnrollment is the per-device state the Enrollment Controller
// drives from Collecting(2) down to Complete or Aborted.
type PendingEnrollment struct {
	EnrollID       int
	Name           string
	IsAdmin        bool
	ShotsRemaining int
	StartedAt      time.Time
}

// Attendance is a single successful-match log row.
type Attendance struct {
	EnrollID     int
	DeviceSerial string
	Timestamp    time.Time
}

// MatchResult is the outcome of a recognition pass against the gallery.
type MatchResult struct {
	Matched   bool
	EnrollID  int
	Score     float32
	Embedding []float32
}

// LivenessResult is the last anti-spoof outcome, published by the
// Recognition Engine for telemetry fan-out. The zero value means "no
// liveness check has run yet."
type LivenessResult struct {
	Score float32
	Prob  float32
	At    time.Time
}

// DetectedFace is a single candidate face box from the detector.
type DetectedFace struct {
	X0, Y0, X1, Y1 float32
	Score          float32
}
