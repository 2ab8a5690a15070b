package client

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
)

// TransportError means the endpoint could not be reached.
type TransportError struct {
	BaseURL string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.BaseURL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is a non-200 answer from the endpoint.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if body == "" {
		body = "Unknown error"
	}
	return fmt.Sprintf("Compression failed: %d %s - %s", e.StatusCode, e.Status, body)
}

// Describe turns a compression error into a hint for the user.
func Describe(err error, baseURL string) string {
	var transport *TransportError
	if errors.As(err, &transport) {
		return fmt.Sprintf("Unable to connect to the compression service at %s. Please check if the server is running and accessible.", baseURL)
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch status.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			return "Compression service error: The compress-image function may not be deployed or is not responding."
		case http.StatusRequestEntityTooLarge:
			return "The image is too large for the compression service."
		case http.StatusBadRequest:
			if status.Body != "" {
				return status.Body
			}
		}
	}
	return "Please try again with a different image."
}

// DataURL renders JPEG bytes the way the base64 variant is displayed.
func DataURL(data []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
}
