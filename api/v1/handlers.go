package v1

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/tinoosan/dlgroup/internal/service"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// watchBuffer bounds updates queued for one websocket client.
const watchBuffer = 64

type GroupHandler struct {
	l   *slog.Logger
	svc service.Groups
}

type createGroupBody struct {
	Key       string `json:"key"`
	Limit     int    `json:"limit"`
	Autostart bool   `json:"autostart"`
}

func NewGroupHandler(l *slog.Logger, svc service.Groups) *GroupHandler {
	return &GroupHandler{l: l, svc: svc}
}

func (h *GroupHandler) GetGroups(w http.ResponseWriter, r *http.Request) {
	gs, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := gs.ToJSON(w); err != nil {
		markErr(w, err)
		http.Error(w, "Unable to marshal json", http.StatusInternalServerError)
	}
}

func (h *GroupHandler) AddGroup(w http.ResponseWriter, r *http.Request) {
	var body createGroupBody
	if err := decodeJSONStrict(w, r, &body, maxBodyBytes); err != nil {
		decodeError(w, err)
		return
	}
	if strings.TrimSpace(body.Key) == "" {
		markErr(w, ErrKeyRequired)
		http.Error(w, ErrKeyRequired.Error(), http.StatusBadRequest)
		return
	}
	g, err := h.svc.Create(r.Context(), body.Key, body.Limit, body.Autostart)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *GroupHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.Get(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	body, ok := r.Context().Value(ctxKeyPatch{}).(patchBody)
	if !ok {
		markErr(w, ErrPatchCtx)
		http.Error(w, ErrPatchCtx.Error(), http.StatusInternalServerError)
		return
	}
	g, err := h.svc.SetDesiredStatus(r.Context(), mux.Vars(r)["key"], body.DesiredStatus)
	if err != nil {
		if statusFor(err) == http.StatusBadRequest {
			markErr(w, err)
			http.Error(w, "Invalid desiredStatus (allowed: Started|Stopped)", http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *GroupHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Destroy(r.Context(), mux.Vars(r)["key"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GroupHandler) AddTask(w http.ResponseWriter, r *http.Request) {
	var body service.TaskRequest
	if err := decodeJSONStrict(w, r, &body, maxBodyBytes); err != nil {
		decodeError(w, err)
		return
	}
	switch {
	case strings.TrimSpace(body.URL) == "":
		markErr(w, ErrURLRequired)
		http.Error(w, ErrURLRequired.Error(), http.StatusBadRequest)
		return
	case strings.TrimSpace(body.LocalPath) == "":
		markErr(w, ErrLocalPathRequired)
		http.Error(w, ErrLocalPathRequired.Error(), http.StatusBadRequest)
		return
	}
	t, err := h.svc.AddTask(r.Context(), mux.Vars(r)["key"], body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *GroupHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := h.svc.GetTask(r.Context(), vars["key"], vars["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetEvents returns recently recorded task events. The optional group query
// parameter filters by group key.
func (h *GroupHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Events(r.Context(), r.URL.Query().Get("group")))
}

func (h *GroupHandler) DeleteTempFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deleted, err := h.svc.DeleteTempFile(r.Context(), q.Get("localPath"), q.Get("checksum"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// WatchGroup upgrades to a websocket and streams group updates as JSON until
// the client goes away or the group is destroyed.
func (h *GroupHandler) WatchGroup(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	updates := make(chan service.Update, watchBuffer)
	done := make(chan struct{})
	cancel, err := h.svc.Watch(r.Context(), key, func(u service.Update) {
		select {
		case updates <- u:
		case <-done:
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		close(done)
		cancel()
	}()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "unexpected close") }()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case u := <-updates:
			wctx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, conn, u)
			cancelWrite()
			if err != nil {
				h.l.Debug("watch write failed", "group", key, "err", err)
				return
			}
			if u.Kind == service.UpdateDestroyed {
				_ = conn.Close(websocket.StatusNormalClosure, "group destroyed")
				return
			}
		}
	}
}
