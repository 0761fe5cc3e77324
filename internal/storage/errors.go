package storage

import "errors"

var (
	// ErrDatasetNotFound is returned by dataset reads when no row exists
	// for the identifier.
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrJobNotFound is returned by GetJob when no ingest job row exists
	// yet for the dataset.
	ErrJobNotFound = errors.New("ingest job not found")
)
