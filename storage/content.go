package storage

import (
	"errors"
	"fmt"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// ErrContentMismatch is returned when fetched bytes do not hash to the requested ID.
var ErrContentMismatch = errors.New("content does not match its ID")

func verifyContent(id interfaces.ContentID, data []byte) error {
	if !interfaces.ComputeID(data).Equal(id) {
		return fmt.Errorf("%w: %s", ErrContentMismatch, id)
	}
	return nil
}
