package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/exit1dev/monitor/internal/store"
)

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "InvalidArgument", message)
}

// writeConfigInvalid rejects a check or subscription whose configuration
// fails validation at registration time.
func writeConfigInvalid(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "ConfigInvalid", message)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	msg := "request body too large"
	if limit > 0 {
		msg = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, "PayloadTooLarge", msg)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeStoreError maps persistence errors to HTTP response codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		WriteError(w, http.StatusInternalServerError, "Internal", "internal server error")
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, http.StatusNotFound, "NotFound", "resource not found")
	case errors.Is(err, store.ErrStoreConflict):
		WriteError(w, http.StatusConflict, "StoreConflict", "concurrent modification, retry")
	case errors.Is(err, store.ErrStoreUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "StoreUnavailable", "storage temporarily unavailable")
	default:
		log.Printf("[api] internal error: %v", err)
		WriteError(w, http.StatusInternalServerError, "Internal", "internal server error")
	}
}
