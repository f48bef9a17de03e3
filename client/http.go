package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"Keyhold/internal/fetcherr"
)

// maxResponseSize bounds a fetched body read into memory.
const maxResponseSize = 64 << 20

// StatusError is a non-success HTTP response without a fetch mode.
type StatusError struct {
	Code    int    // Code is the HTTP status code
	Message string // Message is the node's error text
}

// Error formats the status and message.
func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// decodeResponse decodes a JSON body on 200/201, otherwise returns the
// node's error.
func decodeResponse(resp *http.Response, result any) error {
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response:\n%w", err)
	}

	return nil
}

// responseError converts an error response into *fetcherr.Error when the
// node reported a fetch mode, or *StatusError otherwise.
func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Mode  string `json:"mode"`
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return &StatusError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if mode, ok := fetcherr.ParseMode(body.Mode); ok {
		return fetcherr.Wrap(mode, &StatusError{Code: resp.StatusCode, Message: body.Error})
	}

	return &StatusError{Code: resp.StatusCode, Message: body.Error}
}

// readBody reads a response body up to maxResponseSize.
func readBody(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}

	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseSize)
	}

	return data, nil
}

// drain discards the rest of the body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
