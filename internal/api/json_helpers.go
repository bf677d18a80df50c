package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxJSONBody caps request bodies. API payloads carry record metadata, not
// media; uploads travel through presigned URLs and never pass this decoder.
const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func bodyDecoder(r *http.Request) *json.Decoder {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	decoder.UseNumber()
	return decoder
}

func decodeErr(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
	}
	return err
}

// decodeJSON strictly decodes a request body into dest. Unknown fields and
// trailing content are rejected so client typos surface as 400s instead of
// silently dropped input.
func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := bodyDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return decodeErr(err)
	}
	if decoder.More() {
		return errors.New("request body contains trailing content")
	}
	return nil
}

// decodeJSONAllowUnknown decodes leniently for callers outside our control,
// such as transcoder callbacks, whose payloads may grow fields we do not
// read. An empty body decodes into the zero value.
func decodeJSONAllowUnknown(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	if err := bodyDecoder(r).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return decodeErr(err)
	}
	return nil
}
