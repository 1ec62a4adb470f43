package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/apperr"
	"github.com/unpload/unpload/internal/file"
	"github.com/unpload/unpload/internal/middleware"
	"github.com/unpload/unpload/internal/storage"
)

const (
	// maxFieldSize bounds the non-file multipart fields
	maxFieldSize = 4096
	// maxUploadFiles is the number of files accepted in one request
	maxUploadFiles = 10
)

var (
	errMissingFilePart = apperr.Validation("multipart field \"files\" is required")
	errTooManyFiles    = apperr.Validation(fmt.Sprintf("at most %d files per request", maxUploadFiles))
)

func (s *Server) principal(r *http.Request) *middleware.Principal {
	p, _ := middleware.PrincipalFrom(r.Context())
	return p
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"backend": s.config.Storage.Backend,
		"uptime":  int64(time.Since(s.startTime).Seconds()),
	})
}

// uploadFailure is one rejected part of a batch upload
type uploadFailure struct {
	Name  string    `json:"name"`
	Error *APIError `json:"error"`
}

// uploadBatch is the response to a request carrying several files
type uploadBatch struct {
	Files    []*file.File    `json:"files"`
	Failures []uploadFailure `json:"failures,omitempty"`
}

// partSize returns the size a part declares for itself, 0 when it does not
func partSize(part *multipart.Part) int64 {
	n, err := strconv.ParseInt(part.Header.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// handleUploadFile streams every "files" (or "file") part into the lifecycle
// manager, each as its own upload. folderId may be given as a query
// parameter or as a form field placed before the file parts. A single file
// is answered with its record or its error; several files are answered with
// the stored records and the per-file failures.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	p := s.principal(r)

	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, apperr.Validation("multipart/form-data body expected"))
		return
	}

	var (
		batch    uploadBatch
		errs     []error
		folderID = queryID(r, "folderId")
	)
	fail := func(name string, err error) {
		_, body := publicError(err)
		batch.Failures = append(batch.Failures, uploadFailure{Name: name, Error: body})
		errs = append(errs, err)
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(errs)+len(batch.Files) == 0 {
				s.writeError(w, r, errInvalidBody)
				return
			}
			// The stream is unusable past this point
			fail("", errInvalidBody)
			break
		}

		switch part.FormName() {
		case "folderId":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
			part.Close()
			if err != nil {
				s.writeError(w, r, errInvalidBody)
				return
			}
			if v := strings.TrimSpace(string(value)); v != "" {
				folderID = &v
			}
		case "files", "file":
			name := part.FileName()
			if len(batch.Files)+len(errs) >= maxUploadFiles {
				part.Close()
				fail(name, errTooManyFiles)
				continue
			}
			f, err := s.files.Upload(r.Context(), file.UploadInput{
				OwnerID:      p.UserID,
				FolderID:     folderID,
				OriginalName: name,
				MimeType:     part.Header.Get("Content-Type"),
				SizeHint:     partSize(part),
				Data:         part,
			})
			part.Close()
			if err != nil {
				fail(name, err)
				continue
			}
			batch.Files = append(batch.Files, f)
		default:
			part.Close()
		}
	}

	switch total := len(batch.Files) + len(errs); {
	case total == 0:
		s.writeError(w, r, errMissingFilePart)
	case total == 1 && len(errs) == 1:
		s.writeError(w, r, errs[0])
	case total == 1:
		s.writeJSON(w, http.StatusCreated, batch.Files[0])
	case len(batch.Files) == 0:
		s.writeErrorDetails(w, r, errs[0], batch.Failures)
	default:
		if batch.Files == nil {
			batch.Files = []*file.File{}
		}
		s.writeJSON(w, http.StatusCreated, batch)
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.files.List(r.Context(), s.principal(r).UserID, queryID(r, "folderId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.files.Get(r.Context(), mux.Vars(r)["id"], s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	s.handleServeFile(w, r, "attachment")
}

// handlePreviewFile serves the file for display in the browser
func (s *Server) handlePreviewFile(w http.ResponseWriter, r *http.Request) {
	s.handleServeFile(w, r, "inline")
}

func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request, disposition string) {
	obj, f, err := s.files.Download(r.Context(), mux.Vars(r)["id"], s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveObject(w, r, obj, f, disposition, true)
}

// serveObject streams a blob and closes it. With ranged, Range and
// conditional requests are honored; otherwise the whole body is always sent.
func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, obj storage.Object, f *file.File, disposition string, ranged bool) {
	defer obj.Close()

	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": f.Name}))
	w.Header().Set("X-Checksum-Sha256", f.Checksum)
	w.Header().Set("Cache-Control", "private, no-store")

	if ranged {
		http.ServeContent(w, r, f.Name, f.UpdatedAt, obj)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(f.SizeBytes, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"file_id":    f.ID,
			"request_id": middleware.RequestIDFrom(r.Context()),
		}).Warn("Download interrupted")
	}
}

type updateFileRequest struct {
	Name     *string         `json:"name"`
	FolderID json.RawMessage `json:"folderId"`
}

func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	var req updateFileRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	folderID, move, err := optionalID(req.FolderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == nil && !move {
		s.writeError(w, r, apperr.Validation("nothing to update, set name or folderId"))
		return
	}

	ctx := r.Context()
	id := mux.Vars(r)["id"]
	owner := s.principal(r).UserID

	var f *file.File
	if req.Name != nil {
		if f, err = s.files.Rename(ctx, id, owner, *req.Name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if move {
		if f, err = s.files.Move(ctx, id, owner, folderID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.files.Delete(r.Context(), mux.Vars(r)["id"], s.principal(r).UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "moved to trash"})
}

type folderRequest struct {
	Name     *string         `json:"name"`
	ParentID json.RawMessage `json:"parentId"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	parentID, _, err := optionalID(req.ParentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := ""
	if req.Name != nil {
		name = *req.Name
	}

	folder, err := s.files.CreateFolder(r.Context(), s.principal(r).UserID, parentID, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.files.ListFolders(r.Context(), s.principal(r).UserID, queryID(r, "parentId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, folders)
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	folder, err := s.files.GetFolder(r.Context(), mux.Vars(r)["id"], s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, folder)
}

func (s *Server) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	parentID, move, err := optionalID(req.ParentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == nil && !move {
		s.writeError(w, r, apperr.Validation("nothing to update, set name or parentId"))
		return
	}

	ctx := r.Context()
	id := mux.Vars(r)["id"]
	owner := s.principal(r).UserID

	var folder *file.Folder
	if req.Name != nil {
		if folder, err = s.files.RenameFolder(ctx, id, owner, *req.Name); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if move {
		if folder, err = s.files.MoveFolder(ctx, id, owner, parentID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	err := s.files.DeleteFolder(r.Context(), mux.Vars(r)["id"], s.principal(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "moved to trash"})
}
