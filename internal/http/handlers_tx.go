package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/remote"
)

func (s *Service) handleBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := s.begin(r.Context())
	if err != nil {
		s.writeSQLError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.BeginResponse{TxID: id})
}

// handleTx serves /v1/tx/{id}/{query|exec|commit|rollback}.
func (s *Service) handleTx(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, remote.RouteTx), "/")
	id, action, ok := strings.Cut(path, "/")
	if !ok || id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch action {
	case "query", "exec":
		s.txStatement(w, r, id, action)
	case "commit", "rollback":
		s.txEnd(w, r, id, action)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) txStatement(w http.ResponseWriter, r *http.Request, id, action string) {
	st, ok := decodeStatement(w, r)
	if !ok {
		return
	}
	t, ok := s.lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, remote.CodeTxNotFound, "transaction "+id+" not found")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	args := storage.NormalizeArgs(st.Args)
	if action == "query" {
		res, err := t.tx.Query(r.Context(), st.SQL, args...)
		if err != nil {
			s.writeTxError(w, r, id, err)
			return
		}
		writeJSON(w, http.StatusOK, textRows(res))
		return
	}
	res, err := t.tx.Exec(r.Context(), st.SQL, args...)
	if err != nil {
		s.writeTxError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) txEnd(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	t, ok := s.detach(id)
	if !ok {
		writeError(w, http.StatusNotFound, remote.CodeTxNotFound, "transaction "+id+" not found")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if action == "commit" {
		err = t.tx.Commit()
	} else {
		err = t.tx.Rollback()
	}
	if err != nil {
		s.writeSQLError(w, r, err)
		return
	}
	if action == "commit" {
		s.wake()
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeTxError reports a statement failure. A transaction the driver has
// already finished is dropped from the registry.
func (s *Service) writeTxError(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, storage.ErrTxDone) {
		s.detach(id)
		writeError(w, http.StatusNotFound, remote.CodeTxNotFound, err.Error())
		return
	}
	s.writeSQLError(w, r, err)
}
