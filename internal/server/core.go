package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ilnaes/syncpad/internal/common"
	"github.com/ilnaes/syncpad/internal/doctype/text"
)

type Stats struct {
	Conns int `json:"conns"`
	Docs  int `json:"docs"`
}

func (s *Server) Stats() Stats {
	return Stats{Conns: s.sessions.Count(), Docs: s.store.Count()}
}

// Handler routes the gateway's endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.gate(s.ws))
	r.HandleFunc("/docs/{docid:.+}", s.gate(s.doc)).Methods(http.MethodGet)
	r.HandleFunc("/docs/{docid:.+}", s.gate(s.edit)).Methods(http.MethodPut)
	r.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "okay")
	})
	return r
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

// doc serves a read-only snapshot, creating the document like Fetch does.
func (s *Server) doc(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["docid"]
	v, err := s.store.Fetch(r.Context(), id, r.URL.Query().Get("type"))
	if err != nil {
		s.fail(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, common.Response{
		Type:    common.Snapshot,
		DocId:   v.ID,
		DocType: v.Type,
		Version: v.Version,
		Content: v.Content,
	})
}

// edit replaces the body of a text document. The change is submitted as
// a diff against the version it was read at, so edits from live sessions
// made in between are kept.
func (s *Server) edit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["docid"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "Bad body", http.StatusBadRequest)
		return
	}

	v, err := s.store.Fetch(r.Context(), id, text.Name)
	if err != nil {
		s.fail(w, id, err)
		return
	}
	var cur string
	if err := json.Unmarshal(v.Content, &cur); err != nil {
		s.fail(w, id, err)
		return
	}

	res := common.Response{Type: common.Accepted, DocId: id, Version: v.Version}
	if op := text.Diff(cur, string(body)); len(op) > 0 {
		payload, err := op.Encode()
		if err != nil {
			s.fail(w, id, err)
			return
		}
		origin := "http"
		if uid := userFrom(r.Context()); uid != "" {
			origin = "http:" + uid
		}
		c, err := s.store.Submit(r.Context(), id, origin, 0, v.Version, payload)
		if err != nil {
			s.fail(w, id, err)
			return
		}
		res.Version, res.Payload = c.Version, c.Payload
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fail(w http.ResponseWriter, id string, err error) {
	status := http.StatusInternalServerError
	switch common.Code(err) {
	case common.CodeProtocol:
		status = http.StatusBadRequest
	case common.CodeConflict:
		status = http.StatusConflict
	case common.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	s.log.Debug("request failed", zap.String("doc", id), zap.Error(err))
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
