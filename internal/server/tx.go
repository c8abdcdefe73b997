package server

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/ASHISH26940/atomicdict/internal/transaction"
)

type session = transaction.Session[string, json.RawMessage]

// BeginResponse identifies a new transaction session.
type BeginResponse struct {
	ID      string `json:"id"`
	Version uint64 `json:"version"`
}

// CommitResponse reports the outcome of a commit or abort.
type CommitResponse struct {
	ID        string `json:"id"`
	Committed bool   `json:"committed"`
	Version   uint64 `json:"version,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleTxBegin(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Begin()
	s.logger.WithFields(logrus.Fields{
		"tx_id":   sess.ID,
		"version": sess.Tx.Version(),
	}).Debug("began transaction")
	writeJSON(w, http.StatusCreated, BeginResponse{ID: sess.ID, Version: sess.Tx.Version()})
}

// withSession looks up the session named in the path and holds it for the
// duration of fn.
func (s *Server) withSession(w http.ResponseWriter, r *http.Request, fn func(sess *session)) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Transaction not found", http.StatusNotFound)
		return
	}
	sess.Lock()
	defer sess.Unlock()
	fn(sess)
}

func (s *Server) handleTxGet(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	s.withSession(w, r, func(sess *session) {
		value, ok := sess.Tx.Lookup(key)
		if !ok {
			http.Error(w, "Key not found", http.StatusNotFound)
			return
		}
		writeRaw(w, value)
	})
}

func (s *Server) handleTxSet(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	value, ok := decodeSetRequest(r)
	if !ok {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.withSession(w, r, func(sess *session) {
		if err := sess.Tx.Set(key, value); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
}

func (s *Server) handleTxDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	s.withSession(w, r, func(sess *session) {
		if err := sess.Tx.Delete(key); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// handleTxCommit publishes the session if nothing else was published since
// it began. Either way the session is finished afterwards.
func (s *Server) handleTxCommit(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session) {
		defer s.sessions.Clear(sess.ID)

		logger := s.logger.WithFields(logrus.Fields{"tx_id": sess.ID, "version": sess.Tx.Version()})
		if err := sess.Tx.Commit(); err != nil {
			logger.WithError(err).Info("transaction rejected")
			s.writeError(w, err)
			return
		}
		logger.Debug("committed transaction")
		writeJSON(w, http.StatusOK, CommitResponse{
			ID:        sess.ID,
			Committed: true,
			Version:   sess.Tx.Version() + 1,
		})
	})
}

func (s *Server) handleTxAbort(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session) {
		defer s.sessions.Clear(sess.ID)

		err := sess.Tx.Abort(r.URL.Query().Get("reason"))
		s.logger.WithField("tx_id", sess.ID).WithError(err).Debug("aborted transaction")
		writeJSON(w, http.StatusOK, CommitResponse{ID: sess.ID, Reason: err.Error()})
	})
}
