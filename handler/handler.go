package handler

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/collapsinghierarchy/p12sign/model"
	"github.com/collapsinghierarchy/p12sign/service"
)

const maxFormBytes = 1 << 20

type Server struct {
	svc *service.Service
}

type signResponse struct {
	DownloadLink string `json:"download_link"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type historyEntry struct {
	ID         string    `json:"id"`
	AppName    string    `json:"app_name"`
	BundleID   string    `json:"bundle_id"`
	Filename   string    `json:"filename"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// New returns a ready Server instance.
func New(svc *service.Service) *Server { return &Server{svc: svc} }

// Sign accepts the signing fields from the query string, a urlencoded body
// or a multipart body.
func (s *Server) Sign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := parseForm(w, r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := model.SigningRequest{
		P12URL:     r.Form.Get("p12_url"),
		ProfileURL: r.Form.Get("certmobileprovision_url"),
		Password:   r.Form.Get("certpass"),
		IPAURL:     r.Form.Get("ipa_url"),
		AppName:    r.Form.Get("app_name"),
		BundleID:   r.Form.Get("bundle_id"),
	}
	link, err := s.svc.Sign(r.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, signResponse{DownloadLink: link})
}

// Download serves a signed package named by the {filename} path segment.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	f, fi, err := s.svc.Open(name)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "File not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, fi.ModTime(), f)
}

// History streams the recorded runs of one app as newline-delimited JSON.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	enc := json.NewEncoder(w)
	started := false
	err := s.svc.History(r.Context(), app, func(sg *model.Signing) error {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			started = true
		}
		return enc.Encode(historyEntry{
			ID:         sg.ID.String(),
			AppName:    sg.AppName,
			BundleID:   sg.BundleID,
			Filename:   sg.Filename,
			Status:     string(sg.Status),
			Error:      sg.Error,
			StartedAt:  sg.StartedAt,
			FinishedAt: sg.FinishedAt,
		})
	})
	switch {
	case errors.Is(err, service.ErrNoHistory):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil && !started:
		writeError(w, http.StatusInternalServerError, err.Error())
	case !started:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
}

func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(maxFormBytes)
	}
	return r.ParseForm()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
