package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/unpload/unpload/internal/share"
)

// SharePasswordHeader carries the password of a protected share
const SharePasswordHeader = "X-Share-Password"

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	items, err := s.trash.List(r.Context(), s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRestoreTrashItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	kind, err := s.trash.Restore(r.Context(), id, s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "kind": kind})
}

func (s *Server) handlePurgeTrashItem(w http.ResponseWriter, r *http.Request) {
	report, err := s.trash.PermanentlyDelete(r.Context(), mux.Vars(r)["id"], s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEmptyTrash(w http.ResponseWriter, r *http.Request) {
	report, err := s.trash.EmptyAll(r.Context(), s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req share.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sh, err := s.shares.Create(r.Context(), s.principal(r).UserID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sh)
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.shares.ListByOwner(r.Context(), s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, shares)
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	sh, err := s.shares.Get(r.Context(), mux.Vars(r)["id"], s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleUpdateShare(w http.ResponseWriter, r *http.Request) {
	var req share.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sh, err := s.shares.Update(r.Context(), mux.Vars(r)["id"], s.principal(r).UserID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	if err := s.shares.Delete(r.Context(), mux.Vars(r)["id"], s.principal(r).UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "share deleted"})
}

// sharePassword reads the visitor's password from the header, then the query
func sharePassword(r *http.Request) string {
	if p := r.Header.Get(SharePasswordHeader); p != "" {
		return p
	}
	return r.URL.Query().Get("password")
}

func (s *Server) handleShareAccess(w http.ResponseWriter, r *http.Request) {
	summary, err := s.shares.Access(r.Context(), mux.Vars(r)["slug"], sharePassword(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleShareVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Password == "" {
		req.Password = sharePassword(r)
	}

	ok, err := s.shares.Verify(r.Context(), mux.Vars(r)["slug"], req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

// handleShareDownload spends a download slot, so the whole body is sent
// regardless of Range or conditional headers
func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	obj, f, err := s.shares.Download(r.Context(), mux.Vars(r)["slug"], sharePassword(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveObject(w, r, obj, f, "attachment", false)
}
