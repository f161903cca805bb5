package ingest

import "errors"

// Terminal outcomes of an ingestion run. None of them leave partial state.
var (
	ErrNoInputImages              = errors.New("ingest: no input images")
	ErrDetectorUnreachable        = errors.New("ingest: detector unreachable")
	ErrDetectorRejected           = errors.New("ingest: detector rejected request")
	ErrDetectorResponseInvalid    = errors.New("ingest: detector response invalid")
	ErrDetectorResponseIncomplete = errors.New("ingest: detector response incomplete")
	ErrPersistenceFailed          = errors.New("ingest: persistence failed")
	ErrIngestionInProgress        = errors.New("ingest: ingestion already in progress")
)

// IsUpstream reports whether err came from the detector boundary.
func IsUpstream(err error) bool {
	return errors.Is(err, ErrDetectorUnreachable) ||
		errors.Is(err, ErrDetectorRejected) ||
		errors.Is(err, ErrDetectorResponseInvalid) ||
		errors.Is(err, ErrDetectorResponseIncomplete)
}
