package shm

// Role is the relation of a local region handle to the shared object.
type Role uint8

const (
	// Unattached handles map nothing.
	Unattached Role = iota
	// Creator handles created the object and remove it on Destroy.
	Creator
	// User handles attached to an object published by a creator.
	User
)

func (r Role) String() string {
	switch r {
	case Unattached:
		return "unattached"
	case Creator:
		return "creator"
	case User:
		return "user"
	default:
		return "unknown"
	}
}
