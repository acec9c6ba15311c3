package service

import (
	"errors"

	"github.com/trustgate/trustgate/internal/domain/trust"
)

func isNotFound(err error) bool {
	return errors.Is(err, trust.ErrNotFound)
}
