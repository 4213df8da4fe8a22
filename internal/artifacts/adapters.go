package artifacts

// Store is the report directory. It is the single source of truth for
// pending work: whatever List returns has not been handed off yet.
type Store interface {
	// List returns every artifact currently in the store.
	List() ([]Artifact, error)
	// Create writes data as a new artifact of the given kind under a fresh
	// identifier. The artifact is only visible once fully written.
	Create(kind Kind, data []byte) (Artifact, error)
	// Read returns the full contents of the artifact.
	Read(artifact Artifact) ([]byte, error)
	// Remove deletes the artifact. Removing a missing artifact is not an error.
	Remove(artifact Artifact) error
	// PathFor returns where an artifact with the given identifier and kind lives.
	PathFor(id string, kind Kind) string
}
