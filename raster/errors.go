package raster

import "errors"

var (
	// ErrSourceUnavailable reports that a dataset could not be reached:
	// network failure, missing credentials or an unreadable file. Transient
	// remote read failures are retried internally before this surfaces.
	ErrSourceUnavailable = errors.New("raster: source unavailable")

	// ErrUnsupportedFormat reports a raster the reader cannot serve, either
	// because it lacks geospatial metadata (no geotransform, no CRS) or
	// because it uses an unsupported layout, compression or sample type.
	// It is fatal for that dataset and never retried.
	ErrUnsupportedFormat = errors.New("raster: unsupported format")

	// ErrOutOfBounds reports a viewport that does not intersect the dataset
	// extent at all. Callers are expected to recover by rendering an empty
	// overlay.
	ErrOutOfBounds = errors.New("raster: viewport out of bounds")
)

// transientError marks a failure worth retrying, typically a network
// hiccup or a 5xx from the object store.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
