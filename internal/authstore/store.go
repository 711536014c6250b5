// Package authstore manages the durable authentication material that lets a
// session resume without a new QR scan. Each session identifier owns one
// isolated blob namespace; relocation and deletion only happen from the
// lifecycle step that logically owns the session.
package authstore

// Store is the durable key-material capability consumed by the session
// lifecycle controller.
type Store interface {
	// Init ensures storage exists for the identifier and returns its
	// location (an opaque path handed to the transport layer).
	Init(sessionID string) (string, error)
	// Persist writes one credential blob under the identifier.
	Persist(sessionID string, name string, data []byte) error
	// Rename relocates all material from oldID to newID, clearing any
	// material already present at the destination first.
	Rename(oldID, newID string) error
	// Delete removes all material for the identifier. Deleting a missing
	// identifier is a no-op.
	Delete(sessionID string) error
}
