package httpapi

import (
	"errors"
	"net/http"

	"syncq/internal/netgate"
	"syncq/internal/queue"
	"syncq/internal/remote"
	"syncq/internal/scheduler"
	logx "syncq/pkg/logx"
)

type fileJobRequest struct {
	RelativePath  string `json:"relativePath"`
	RemoteURLPath string `json:"remoteUrlPath"`
}

func (s *Server) handleFileJob(w http.ResponseWriter, r *http.Request) {
	var req fileJobRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := s.deps.Scheduler.ScheduleFileUploadJob(r.Context(), req.RelativePath, req.RemoteURLPath); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": req.RelativePath})
}

func (s *Server) handleMetadataJob(w http.ResponseWriter, r *http.Request) {
	var item scheduler.SyncableItem
	if err := decode(w, r, &item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := s.deps.Scheduler.ScheduleMetadataUploadJob(r.Context(), item); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": item.RelativePath})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Lifecycle.Logout(r.Context()); err != nil {
		s.log.Error("logout failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": "purged"})
}

type connectivityBody struct {
	Class string `json:"class"`
}

func (s *Server) handleGetConnectivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, connectivityBody{Class: s.deps.Connectivity.Current().String()})
}

func (s *Server) handlePutConnectivity(w http.ResponseWriter, r *http.Request) {
	var body connectivityBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	c, err := netgate.ParseClass(body.Class)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	changed := s.deps.Connectivity.Set(c)
	if changed {
		s.log.Info("connectivity pushed", logx.String("class", c.String()))
	}
	writeJSON(w, http.StatusOK, map[string]any{"class": c.String(), "changed": changed})
}

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	out := make([]queue.Snapshot, 0, len(s.deps.Queues))
	for _, q := range s.deps.Queues {
		out = append(out, q.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFailures(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Failures.History()
	if list == nil {
		list = []queue.Failure{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Library.Contents(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.log.Warn("library listing failed", logx.Err(err))
		status := http.StatusBadGateway
		var se *remote.StatusError
		if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err.Error())
		return
	}
	if items == nil {
		items = []remote.SyncedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
