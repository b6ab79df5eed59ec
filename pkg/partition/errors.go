package partition

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicatePartition is returned when declaring a key that already exists.
	ErrDuplicatePartition = errors.New("partition already exists")
	// ErrPartitionNotFound is returned when uploading into an undeclared key.
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrRegistryClosed is returned once the registry has been shut down.
	ErrRegistryClosed = errors.New("partition registry closed")
)

// InvalidKeyFormatError reports a key that does not match its dataset's pattern.
type InvalidKeyFormatError struct {
	Kind    string
	Key     string
	Pattern string
}

func (e *InvalidKeyFormatError) Error() string {
	return fmt.Sprintf("invalid %s partition key %q: must match %s", e.Kind, e.Key, e.Pattern)
}

// StorageConnectionError reports that a namespace's storage could not be reached.
type StorageConnectionError struct {
	Namespace string
	Err       error
}

func (e *StorageConnectionError) Error() string {
	return fmt.Sprintf("storage for %s unreachable: %v", e.Namespace, e.Err)
}

func (e *StorageConnectionError) Unwrap() error { return e.Err }
