package uuid

import (
	"github.com/google/uuid"
	"github.com/lgrabowski/trademirror"
)

type IDService struct{}

func (ids *IDService) NewID() trademirror.ID {
	return uuid.New()
}

func (ids *IDService) NewIDFromString(id string) (trademirror.ID, error) {
	return uuid.Parse(id)
}
