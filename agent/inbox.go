package agent

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"reminder-notifier/pkg/notifier"
)

type inboxResponse struct {
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	Success     bool   `json:"success"`
	PushEnabled bool   `json:"pushEnabled"`
}

// Handler exposes the agent to the local browser helper, which forwards
// received pushes and the user's push toggle. Serve it on loopback only.
func (a *Agent) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		a.writeInbox(w, http.StatusOK, inboxResponse{Success: true, PushEnabled: a.PushEnabled()})
	})

	r.Post("/push", func(w http.ResponseWriter, r *http.Request) {
		var p notifier.PushPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&p); err != nil || p.CategoryID == "" || p.EventName == "" {
			a.writeInbox(w, http.StatusBadRequest, inboxResponse{Error: "categoryId and eventName are required"})
			return
		}
		if err := a.Push(r.Context(), p); err != nil {
			a.writeInbox(w, http.StatusServiceUnavailable, inboxResponse{Error: err.Error()})
			return
		}
		a.writeInbox(w, http.StatusAccepted, inboxResponse{Success: true, PushEnabled: a.PushEnabled()})
	})

	r.Post("/toggle", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enable bool `json:"enable"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
			a.writeInbox(w, http.StatusBadRequest, inboxResponse{Error: "invalid JSON body"})
			return
		}
		ok, status := a.TogglePush(r.Context(), req.Enable)
		a.writeInbox(w, http.StatusOK, inboxResponse{Success: ok, Status: status, PushEnabled: a.PushEnabled()})
	})

	return r
}

func (a *Agent) writeInbox(w http.ResponseWriter, status int, resp inboxResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("Failed to write response", "error", err)
	}
}
