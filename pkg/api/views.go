package api

import (
	"errors"
	"net/http"

	"github.com/edgeflare/furnace/pkg/chart"
	"github.com/edgeflare/furnace/pkg/httputil"
	"github.com/edgeflare/furnace/pkg/relay"
)

// ViewResponse carries a view id and its visible slice.
type ViewResponse struct {
	ID   string      `json:"id"`
	View chart.Slice `json:"view"`
}

// PanRequest is the body of POST /api/views/{id}/pan.
type PanRequest struct {
	Start int `json:"start"`
}

func (s *Server) handleCreateView(w http.ResponseWriter, r *http.Request) {
	id, win, err := s.relay.OpenView()
	if errors.Is(err, relay.ErrNoViews) {
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, "open view failed", err)
		return
	}
	w.Header().Set("Location", "/api/views/"+id)
	httputil.JSON(w, http.StatusCreated, ViewResponse{ID: id, View: win.Visible()})
}

func (s *Server) handleGetView(w http.ResponseWriter, r *http.Request) {
	id, win, ok := s.view(w, r)
	if !ok {
		return
	}
	httputil.JSON(w, http.StatusOK, ViewResponse{ID: id, View: win.Visible()})
}

func (s *Server) handlePanView(w http.ResponseWriter, r *http.Request) {
	id, win, ok := s.view(w, r)
	if !ok {
		return
	}
	var req PanRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	win.Pan(req.Start)
	httputil.JSON(w, http.StatusOK, ViewResponse{ID: id, View: win.Visible()})
}

func (s *Server) handleLatestView(w http.ResponseWriter, r *http.Request) {
	id, win, ok := s.view(w, r)
	if !ok {
		return
	}
	win.JumpToLatest()
	httputil.JSON(w, http.StatusOK, ViewResponse{ID: id, View: win.Visible()})
}

func (s *Server) handleDeleteView(w http.ResponseWriter, r *http.Request) {
	views := s.relay.Views()
	if views == nil || !views.Delete(r.PathValue("id")) {
		httputil.Error(w, http.StatusNotFound, "view not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) view(w http.ResponseWriter, r *http.Request) (string, *chart.Window, bool) {
	id := r.PathValue("id")
	views := s.relay.Views()
	if views == nil {
		httputil.Error(w, http.StatusNotFound, "view not found")
		return "", nil, false
	}
	win, ok := views.Get(id)
	if !ok {
		httputil.Error(w, http.StatusNotFound, "view not found")
		return "", nil, false
	}
	return id, win, true
}
