package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/hazyhaar/agri-registry/pkg/dataset"
	"github.com/hazyhaar/agri-registry/pkg/partition"
	"github.com/hazyhaar/agri-registry/pkg/query"
	"github.com/hazyhaar/agri-registry/pkg/store"
	"github.com/hazyhaar/agri-registry/pkg/tabular"
)

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	var (
		ike *partition.InvalidKeyFormatError
		sce *partition.StorageConnectionError
		ufe *tabular.UnsupportedFormatError
		mce *tabular.MissingColumnsError
		pe  *tabular.ParseError
		mbe *http.MaxBytesError
	)
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &ike),
		errors.As(err, &ufe),
		errors.As(err, &mce),
		errors.As(err, &pe),
		errors.Is(err, dataset.ErrUnknownKind),
		errors.Is(err, query.ErrInvalidFilter),
		errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, partition.ErrPartitionNotFound):
		return http.StatusNotFound
	case errors.Is(err, partition.ErrDuplicatePartition),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.As(err, &sce),
		errors.Is(err, store.ErrUnavailable),
		errors.Is(err, partition.ErrRegistryClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// describe renders err for a client. Server-side failures stay generic
// unless dev is set.
func describe(err error, dev bool) string {
	code := statusOf(err)
	if code < 500 || dev {
		return err.Error()
	}
	if code == http.StatusServiceUnavailable {
		return "storage temporarily unavailable"
	}
	return "internal server error"
}
