package domain

import "errors"

var (
	// ErrMalformedDocument signals a state document that cannot be decoded.
	ErrMalformedDocument = errors.New("malformed state document")
	// ErrUnsupportedVersion signals a state document with an unsupported version.
	ErrUnsupportedVersion = errors.New("unsupported state version")
	// ErrNoResources signals a state document with a missing or empty resources list.
	ErrNoResources = errors.New("state document has no resources")

	// ErrInvalidRequest signals a client request rejected before execution.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrFieldNotAllowed signals a field name outside the server-side allow-list.
	ErrFieldNotAllowed = errors.New("field not allowed")
	// ErrDocumentNotFound signals a missing indexed document.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrQueueClosed signals an operation against a closed queue.
	ErrQueueClosed = errors.New("queue closed")
)
