package models

// ErrorKind classifies why a generation failed or completed with a warning.
type ErrorKind string

const (
	ErrKindQuotaExceeded        ErrorKind = "QuotaExceeded"
	ErrKindNoAccountAvailable   ErrorKind = "NoAccountAvailable"
	ErrKindProviderRejected     ErrorKind = "ProviderRejected"
	ErrKindProviderUnavailable  ErrorKind = "ProviderUnavailable"
	ErrKindProviderTimeout      ErrorKind = "ProviderTimeout"
	ErrKindStorageQuotaExceeded ErrorKind = "StorageQuotaExceeded"
	ErrKindDependencyFailed     ErrorKind = "DependencyFailed"
	ErrKindInvalidInput         ErrorKind = "InvalidInput"
	ErrKindInternal             ErrorKind = "Internal"
)

// Transient reports whether a failure of this kind is retried.
func (k ErrorKind) Transient() bool {
	return k == ErrKindProviderUnavailable || k == ErrKindProviderTimeout
}

// KindPtr returns a pointer to k, for optional record fields.
func KindPtr(k ErrorKind) *ErrorKind {
	return &k
}
