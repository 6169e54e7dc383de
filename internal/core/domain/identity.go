package domain

type IdentityKind string

const (
	IdentityStudent IdentityKind = "student"
	IdentityFaculty IdentityKind = "faculty"
	IdentityAdmin   IdentityKind = "admin"
)

// Identity is a caller normalized to exactly one entity.
type Identity struct {
	Kind   IdentityKind
	ID     string // student, faculty or user id depending on Kind
	UserID string
}

// Requester converts the identity into a request owner. Admins cannot own requests.
func (i Identity) Requester() (Requester, error) {
	switch i.Kind {
	case IdentityStudent:
		return StudentRequester{StudentID: i.ID}, nil
	case IdentityFaculty:
		return FacultyRequester{FacultyID: i.ID}, nil
	}
	return nil, ErrUnauthorized
}

// Owns reports whether the identity is the requester.
func (i Identity) Owns(r Requester) bool {
	if r == nil {
		return false
	}
	switch r.(type) {
	case StudentRequester:
		return i.Kind == IdentityStudent && i.ID == r.ID()
	case FacultyRequester:
		return i.Kind == IdentityFaculty && i.ID == r.ID()
	}
	return false
}
