package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/patitas/storefront/internal/domain/order"
)

const maxBodyBytes = 1 << 20

var errMalformedBody = errors.New("malformed request body")

// readBody reads a size-limited request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Errorf("%w: %s", errMalformedBody, err)
	}
	return b, nil
}

// decode unmarshals b into v, rejecting unknown fields and trailing data.
func decode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var (
			syErr *json.SyntaxError
			tyErr *json.UnmarshalTypeError
		)
		if errors.As(err, &syErr) || errors.As(err, &tyErr) {
			return err
		}
		return errors.Errorf("%w: %s", errMalformedBody, err)
	}
	if dec.More() {
		return errors.Errorf("%w: trailing data", errMalformedBody)
	}
	return nil
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	b, err := readBody(w, r)
	if err != nil {
		return err
	}
	return decode(b, v)
}

// idParam parses the {id} path segment.
func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &order.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}
