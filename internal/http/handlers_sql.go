package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/remote"
)

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	st, ok := decodeStatement(w, r)
	if !ok {
		return
	}
	res, err := s.db.Query(r.Context(), st.SQL, storage.NormalizeArgs(st.Args)...)
	if err != nil {
		s.writeSQLError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, textRows(res))
}

func (s *Service) handleExec(w http.ResponseWriter, r *http.Request) {
	st, ok := decodeStatement(w, r)
	if !ok {
		return
	}
	res, err := s.db.Exec(r.Context(), st.SQL, storage.NormalizeArgs(st.Args)...)
	if err != nil {
		s.writeSQLError(w, r, err)
		return
	}
	s.wake()
	writeJSON(w, http.StatusOK, res)
}

// decodeStatement reads a POSTed Statement, keeping numbers as json.Number
// so integers survive the trip.
func decodeStatement(w http.ResponseWriter, r *http.Request) (remote.Statement, bool) {
	var st remote.Statement
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return st, false
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&st); err != nil {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "decode statement: "+err.Error())
		return st, false
	}
	if strings.TrimSpace(st.SQL) == "" {
		writeError(w, http.StatusBadRequest, remote.CodeBadRequest, "sql required")
		return st, false
	}
	return st, true
}

// textRows converts blob values to strings; JSON would otherwise base64
// them and clients could not tell the two apart.
func textRows(res *storage.Result) *storage.Result {
	for _, row := range res.Rows {
		for i, v := range row {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			}
		}
	}
	return res
}

func (s *Service) writeSQLError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		// client went away; nothing to write to
		return
	}
	s.log.Debug("statement failed", "route", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, remote.CodeSQL, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, remote.ErrorResponse{Error: msg, Code: code})
}
