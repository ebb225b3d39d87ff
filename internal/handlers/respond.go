package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/vehicle-tracking/internal/models"
)

// maxBodyBytes caps request bodies; device and dashboard payloads are tiny.
const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("request body is empty")

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

// writeValidation answers 400 with the field that failed, or a generic
// message for any other error.
func writeValidation(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"field": verr.Field, "error": verr.Error()})
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
