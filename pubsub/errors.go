package pubsub

import (
	"errors"
)

// ErrValidation is the parent of all input validation errors. Validation happens before any I/O.
var ErrValidation = errors.New("validation failed")

var (
	// ErrMissingEvent is returned when a record is published without a non-empty event discriminator.
	ErrMissingEvent = errors.Join(ErrValidation, errors.New("record must carry a non-empty event"))

	// ErrEmptyMessage is returned when a record is published with an empty or missing message payload.
	ErrEmptyMessage = errors.Join(ErrValidation, errors.New("record message must be a non-empty object"))

	// ErrEmptyTopicName is returned when an operation is addressed to an empty topic name.
	ErrEmptyTopicName = errors.Join(ErrValidation, errors.New("topic name must not be empty"))

	// ErrInvalidFilter is returned when a where-clause is structurally malformed.
	ErrInvalidFilter = errors.Join(ErrValidation, errors.New("invalid filter"))
)

var (
	// ErrUnknownTopic is returned by read operations addressed to a topic whose channel was never materialized.
	ErrUnknownTopic = errors.New("unknown topic")

	// ErrImmutableRecord is returned by every attempt to update, replace or remove a single record.
	ErrImmutableRecord = errors.New("records are immutable")
)

var (
	ErrNilDatabaseConnection       = errors.New("database connection must not be nil")
	ErrBuildingQueryFailed         = errors.New("building query failed")
	ErrQueryingRecordsFailed       = errors.New("querying records failed")
	ErrPublishingRecordFailed      = errors.New("publishing record failed")
	ErrRemovingRecordsFailed       = errors.New("removing records failed")
	ErrScanningDBRowFailed         = errors.New("scanning db row failed")
	ErrDecodingMessageFailed       = errors.New("decoding record message failed")
	ErrProvisioningPartitionFailed = errors.New("provisioning partition failed")
	ErrDroppingPartitionFailed     = errors.New("dropping partition failed")
	ErrOpeningChannelFailed        = errors.New("opening channel failed")
	ErrRegistryClosed              = errors.New("channel registry is closed")
)
