package changes

import "github.com/google/uuid"

// IDProvider issues change identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidV7Provider struct{}

// NewUUIDProvider returns an IDProvider whose identifiers sort by creation time.
func NewUUIDProvider() IDProvider {
	return uuidV7Provider{}
}

func (uuidV7Provider) NewID() (string, error) {
	changeID, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return changeID.String(), nil
}
