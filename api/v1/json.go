package v1

import (
	"encoding/json"
	"net/http"
	"strings"
)

const maxBodyBytes = 1 << 20

// decodeJSONStrict rejects a non-JSON Content-Type, limits the body to
// maxBytes and decodes into dst disallowing unknown fields.
func decodeJSONStrict(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return ErrContentType
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decodeError writes the response for a failed decodeJSONStrict.
func decodeError(w http.ResponseWriter, err error) {
	markErr(w, err)
	if err == ErrContentType {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
