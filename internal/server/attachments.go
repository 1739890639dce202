package server

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/nevindra/maestro"
	"github.com/nevindra/maestro/internal/preview"
)

// maxUploadBytes caps one attachment upload.
const maxUploadBytes = 64 << 20

// uploadAttachment accepts one multipart "file" part, stores the blob in
// the attachment directory under a generated name, and records the
// metadata row. Filenames are normalized to NFC so macOS uploads match
// later lookups byte for byte.
func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "id")

	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, &maestro.ValidationError{Field: "file", Reason: "invalid multipart body: " + err.Error()})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, &maestro.ValidationError{Field: "file", Reason: "missing file part"})
		return
	}
	defer file.Close()

	filename := norm.NFC.String(filepath.Base(header.Filename))
	if filename == "" || filename == "." {
		s.writeError(w, &maestro.ValidationError{Field: "file", Reason: "missing filename"})
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
			mimeType = byExt
		} else if mimeType == "" {
			mimeType = "application/octet-stream"
		}
	}

	id := maestro.NewID()
	storedName := id + filepath.Ext(filename)
	if err := os.MkdirAll(s.attachmentDir, 0o755); err != nil {
		s.writeError(w, err)
		return
	}
	dst, err := os.Create(filepath.Join(s.attachmentDir, storedName))
	if err != nil {
		s.writeError(w, err)
		return
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.removeBlob(storedName)
		s.writeError(w, err)
		return
	}

	a := &maestro.Attachment{
		ID:         id,
		TaskID:     taskID,
		Filename:   filename,
		StoredName: storedName,
		MimeType:   mimeType,
		Size:       size,
		CreatedAt:  maestro.NowUnixMilli(),
	}
	if err := s.store.CreateAttachment(ctx, a); err != nil {
		s.removeBlob(storedName)
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) listAttachments(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListAttachments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) downloadAttachment(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAttachment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	path := filepath.Join(s.attachmentDir, a.StoredName)
	f, err := os.Open(path)
	if err != nil {
		s.writeError(w, &maestro.NotFoundError{Kind: "attachment content", ID: a.ID})
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(a.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	_, _ = io.Copy(w, f)
}

func (s *Server) deleteAttachment(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAttachment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteAttachment(r.Context(), a.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.removeBlob(a.StoredName)
	w.WriteHeader(http.StatusNoContent)
}

// previewAttachment renders a text or HTML preview of the blob when its
// MIME type supports one.
func (s *Server) previewAttachment(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAttachment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	blob, err := os.ReadFile(filepath.Join(s.attachmentDir, a.StoredName))
	if err != nil {
		s.writeError(w, &maestro.NotFoundError{Kind: "attachment content", ID: a.ID})
		return
	}
	result, err := preview.Extract(a.MimeType, blob)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attachment_id": a.ID,
		"content_type":  result.ContentType,
		"content":       result.Content,
		"truncated":     result.Truncated,
	})
}

// removeBlob deletes an attachment file, best-effort.
func (s *Server) removeBlob(storedName string) {
	if storedName == "" {
		return
	}
	if err := os.Remove(filepath.Join(s.attachmentDir, storedName)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("attachment blob removal failed", "stored_name", storedName, "error", err)
	}
}
