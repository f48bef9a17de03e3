package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"Keyhold/internal/block"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/keys"
	"Keyhold/internal/logger"
)

// readInsert reads an insert body and its encoding options.
// On failure it writes the error response and returns ok=false.
func readInsert(w http.ResponseWriter, r *http.Request) (data []byte, opts block.Options, ok bool) {
	q := r.URL.Query()

	codec, err := block.ParseCodec(q.Get("codec"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, opts, false
	}

	opts = block.Options{
		Codec:       codec,
		Metadata:    q.Get("metadata") == "1",
		ContentType: r.Header.Get("Content-Type"),
	}
	if opts.ContentType == "application/octet-stream" {
		opts.ContentType = ""
	}

	data, err = io.ReadAll(io.LimitReader(r.Body, maxInsertSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, opts, false
	}

	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return nil, opts, false
	}

	if len(data) > maxInsertSize {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return nil, opts, false
	}

	return data, opts, true
}

// parseFetchOptions reads fetch tuning from the query string.
func parseFetchOptions(r *http.Request) (FetchOptions, error) {
	q := r.URL.Query()

	opts := FetchOptions{
		LocalOnly:     q.Get("local") == "1",
		AllowMetadata: q.Get("metadata") == "1",
	}

	if v := q.Get("maxSize"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("invalid maxSize %q", v)
		}
		opts.MaxOutputSize = n
	}

	if v := q.Get("retries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < -1 {
			return opts, fmt.Errorf("invalid retries %q", v)
		}
		opts.MaxRetries = &n
	}

	return opts, nil
}

// statusForMode maps a fetch failure to an HTTP status.
func statusForMode(m fetcherr.Mode) int {
	switch m {
	case fetcherr.DataNotFound, fetcherr.RecentlyFailed, fetcherr.RouteNotFound:
		return http.StatusNotFound
	case fetcherr.TooBig:
		return http.StatusRequestEntityTooLarge
	case fetcherr.InvalidMetadata:
		return http.StatusUnprocessableEntity
	case fetcherr.Cancelled:
		return http.StatusGatewayTimeout
	case fetcherr.RejectedOverload:
		return http.StatusServiceUnavailable
	case fetcherr.NotEnoughDiskSpace:
		return http.StatusInsufficientStorage
	case fetcherr.BlockDecodeError, fetcherr.TransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeInsertError writes the response for a failed insert.
func writeInsertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, block.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, keys.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("insert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "insert failed")
	}
}
