package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/irctrakz/wgconntrack/pkg/conntrack"
	"github.com/irctrakz/wgconntrack/pkg/tcptrack"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxExpectations bounds the expectations the server remembers. Finished
// ones are forgotten first when it is reached.
const maxExpectations = 1024

type expectRequest struct {
	Seq       *uint32 `json:"seq"`
	Direction string  `json:"direction"`
}

type expectationView struct {
	ID        uuid.UUID `json:"id"`
	Conn      uuid.UUID `json:"conn"`
	Seq       uint32    `json:"seq"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
}

func viewOf(x *conntrack.Expectation, dir tcptrack.Direction) expectationView {
	status := "pending"
	select {
	case <-x.Done():
		status = "released"
		if x.Matched() {
			status = "matched"
		}
	default:
	}
	return expectationView{
		ID:        x.ID,
		Conn:      x.Entry().ID,
		Seq:       x.Seq,
		Direction: dir.String(),
		Status:    status,
	}
}

func directionOf(x *conntrack.Expectation) tcptrack.Direction {
	if x.Tuple == x.Entry().Original {
		return tcptrack.Original
	}
	return tcptrack.Reply
}

// handleExpect registers interest in a sequence number on a connection.
// The body is {"seq": N, "direction": "original"|"reply"}; direction
// defaults to original.
func (s *Server) handleExpect(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req expectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Seq == nil {
		writeError(w, http.StatusBadRequest, "Missing seq", nil)
		return
	}
	dir := tcptrack.Original
	switch req.Direction {
	case "", "original":
	case "reply":
		dir = tcptrack.Reply
	default:
		writeError(w, http.StatusBadRequest, "Invalid direction", errors.Errorf("unknown direction %q", req.Direction))
		return
	}

	info, found := s.table.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "Connection not found", nil)
		return
	}
	tuple := info.Original
	if dir == tcptrack.Reply {
		tuple = info.Reply
	}

	s.expMu.Lock()
	defer s.expMu.Unlock()
	if len(s.expects) >= maxExpectations {
		s.forgetFinished()
	}
	if len(s.expects) >= maxExpectations {
		writeError(w, http.StatusServiceUnavailable, "Too many pending expectations", nil)
		return
	}
	x, err := s.table.Expect(tuple, *req.Seq)
	if err != nil {
		if errors.Is(err, conntrack.ErrNoEntry) {
			writeError(w, http.StatusNotFound, "Connection not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to register expectation", err)
		return
	}
	s.expects[x.ID] = x
	s.log.WithFields(logrus.Fields{
		"id":   x.ID,
		"conn": id,
		"seq":  x.Seq,
	}).Info("expectation registered")
	writeJSON(w, http.StatusCreated, viewOf(x, dir))
}

func (s *Server) handleExpectation(w http.ResponseWriter, r *http.Request) {
	x, ok := s.expectation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(x, directionOf(x)))
}

// handleUnexpect withdraws a pending expectation, or forgets a finished
// one.
func (s *Server) handleUnexpect(w http.ResponseWriter, r *http.Request) {
	x, ok := s.expectation(w, r)
	if !ok {
		return
	}
	s.expMu.Lock()
	delete(s.expects, x.ID)
	s.expMu.Unlock()
	v := viewOf(x, directionOf(x))
	if s.table.Unexpect(x) {
		v.Status = "withdrawn"
	}
	writeJSON(w, http.StatusOK, v)
}

// expectation resolves {id} and {xid}, writing the error response itself.
func (s *Server) expectation(w http.ResponseWriter, r *http.Request) (*conntrack.Expectation, bool) {
	id, ok := parseID(w, r)
	if !ok {
		return nil, false
	}
	xid, err := uuid.Parse(mux.Vars(r)["xid"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid expectation id", err)
		return nil, false
	}
	s.expMu.Lock()
	x := s.expects[xid]
	s.expMu.Unlock()
	if x == nil || x.Entry().ID != id {
		writeError(w, http.StatusNotFound, "Expectation not found", nil)
		return nil, false
	}
	return x, true
}

// forgetFinished drops matched and released expectations. expMu is held.
func (s *Server) forgetFinished() {
	for xid, x := range s.expects {
		select {
		case <-x.Done():
			delete(s.expects, xid)
		default:
		}
	}
}
