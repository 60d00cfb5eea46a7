package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/R3E-Network/magic-number/internal/game"
	"github.com/R3E-Network/magic-number/internal/oracle"
)

var (
	errBadRequest   = errors.New("bad request")
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
	errRateLimited  = errors.New("rate limit exceeded")
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

// errorMapping pairs a sentinel with its status and stable code. Order
// matters: the first match wins.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{game.ErrInvalidGuessRange, http.StatusBadRequest, "invalid_guess_range"},
	{game.ErrIncorrectFee, http.StatusBadRequest, "incorrect_fee"},
	{game.ErrInvalidPlayer, http.StatusBadRequest, "invalid_player"},
	{game.ErrDuplicatePlayer, http.StatusConflict, "duplicate_player"},
	{game.ErrRoundFull, http.StatusConflict, "round_full"},
	{game.ErrRoundNotOpen, http.StatusConflict, "round_not_open"},
	{game.ErrNothingToReset, http.StatusConflict, "nothing_to_reset"},
	{game.ErrRoundChanged, http.StatusConflict, "round_changed"},
	{game.ErrRoundNotFound, http.StatusNotFound, "round_not_found"},
	{oracle.ErrUnknownRequest, http.StatusNotFound, "unknown_request"},
	{oracle.ErrAlreadyConsumed, http.StatusConflict, "already_consumed"},
	{oracle.ErrInvalidProof, http.StatusBadRequest, "invalid_proof"},
	{oracle.ErrEmptyRandomness, http.StatusBadRequest, "empty_randomness"},
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{errUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{errForbidden, http.StatusForbidden, "forbidden"},
	{errRateLimited, http.StatusTooManyRequests, "rate_limited"},
}

func statusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(io.LimitReader(body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: message}})
}
