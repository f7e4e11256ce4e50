package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SearchIngest/internal/models"
	"github.com/BTreeMap/SearchIngest/internal/store"
	"github.com/BTreeMap/SearchIngest/internal/updates"
)

// maxNotificationBytes bounds the request body of POST /notifications.
const maxNotificationBytes = 1 << 20

var errDuplicate = errors.New("notification already received")

// notification is the body of POST /notifications.
type notification struct {
	ID         string          `json:"id"`
	Node       string          `json:"node"`
	Kind       string          `json:"kind"`
	Parameters json.RawMessage `json:"parameters"`
}

// notificationsHandler turns a node notification into a pending update
// (POST /notifications). Redelivered notifications are acknowledged without
// queuing them again.
func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.notificationsHandler: processing notification", "method", r.Method, "path", r.URL.Path)
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var n notification
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationBytes)).Decode(&n); err != nil {
		slog.Warn("Server.notificationsHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if n.ID == "" || n.Node == "" || n.Kind == "" {
		writeError(w, http.StatusBadRequest, "id, node and kind are required")
		return
	}
	if len(n.Parameters) == 0 {
		writeError(w, http.StatusBadRequest, "parameters are required")
		return
	}

	u, err := s.registry.New(n.Kind, n.Parameters)
	if err != nil {
		slog.Warn("Server.notificationsHandler: rejected notification", "id", n.ID, "node", n.Node, "kind", n.Kind, "error", err)
		if errors.Is(err, updates.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, "Unknown notification kind: "+n.Kind)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var target struct {
		Node string `json:"node"`
	}
	if err := json.Unmarshal(n.Parameters, &target); err != nil || target.Node != n.Node {
		slog.Warn("Server.notificationsHandler: node mismatch", "id", n.ID, "node", n.Node, "target_node", target.Node)
		writeError(w, http.StatusBadRequest, "Notification node does not match the parameters node")
		return
	}

	ctx := r.Context()
	id, err := s.queue.OfferWith(ctx, u, func(tx store.Tx) error {
		fresh, err := tx.RecordNotification(ctx, n.ID, n.Node)
		if err != nil {
			return err
		}
		if !fresh {
			return errDuplicate
		}
		return nil
	})
	if errors.Is(err, errDuplicate) {
		slog.Info("Server.notificationsHandler: duplicate notification", "id", n.ID, "node", n.Node)
		writeJSONResponse(w, http.StatusOK, models.Duplicate("Notification already received"))
		return
	}
	if err != nil {
		slog.Error("Server.notificationsHandler: failed to queue update", "id", n.ID, "kind", n.Kind, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to queue notification")
		return
	}

	slog.Info("Server.notificationsHandler: notification queued", "id", n.ID, "node", n.Node, "kind", n.Kind, "update", id)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(map[string]string{"update_id": id}))
}

// statusHandler reports the pending queue length and job counts (GET /status).
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	counts := s.jobs.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"pending_updates": s.queue.Len(),
		"jobs":            counts,
		"jobs_total":      total,
	}))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}
