package docstore

import (
	"errors"

	"github.com/aaronwang/carbon-exchange/shared/errs"
)

// Classify maps store sentinels onto engine error codes. Errors that already
// carry a code pass through unchanged.
func Classify(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	switch {
	case errors.Is(err, ErrNotFound):
		return errs.Newf(errs.NotFound, "%s %s not found", kind, id)
	case errors.Is(err, ErrAlreadyExists):
		return errs.Wrap(errs.Validation, kind+" "+id+" already exists", err)
	case errors.As(err, &e):
		return err
	default:
		return errs.Wrap(errs.Internal, kind+" "+id, err)
	}
}
