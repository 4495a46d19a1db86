package sentinel

import "errors"

// Sentinel errors for infrastructure and pipeline facts. Stores and workers
// return these (optionally wrapped) so services can translate them into
// caller-facing responses.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: document does not exist in the store
// - ErrConflict: transactional write lost against a concurrent writer
// - ErrInvalidInput: a required key part or field is empty
// - ErrUnavailable: authorization refused, or store/queue unreachable
// - ErrPermanent: retry cap exhausted, left for manual remediation
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("unavailable")
	ErrPermanent    = errors.New("permanent failure")
)
