package synckv

import "github.com/google/uuid"

// NewDeviceID generates a new, time-ordered device identifier, grounded
// on the teacher's engine.UUIDv7Generator (internal/engine/flow.go).
func NewDeviceID() string {
	return uuid.Must(uuid.NewV7()).String()
}
