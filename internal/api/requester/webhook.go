package requester

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/discover-tasks/internal/api/shared"
	"github.com/phrazzld/discover-tasks/internal/domain"
	"github.com/phrazzld/discover-tasks/internal/platform/logger"
	"github.com/phrazzld/discover-tasks/internal/redact"
)

// watch receives Executor lifecycle notifications. It always answers 200
// with {success}; the Executor treats delivery as fire and forget, so the
// reason for a rejection only goes to the logs.
func (h *Handler) watch(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger).With(
		slog.String("kind", chi.URLParam(r, "kind")),
		slog.String("task_param", chi.URLParam(r, "id")))

	ack := func(success bool) {
		shared.RespondWithJSON(w, r, http.StatusOK, domain.NotificationAck{Success: success})
	}

	id, err := shared.PathUUID(r, "id")
	if err != nil {
		log.Warn("notification rejected", "reason", "invalid task id")
		ack(false)
		return
	}

	// Token check comes before any lookup so an unauthorized caller learns
	// nothing about which Tasks exist.
	if !h.tasks.VerifyToken(id, r.URL.Query().Get("token")) {
		log.Warn("security: notification with invalid token",
			"remote_addr", r.RemoteAddr,
			"url", redact.URL(r.URL.String()))
		ack(false)
		return
	}

	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		log.Warn("notification for unknown task", "error", redact.Error(err))
		ack(false)
		return
	}
	if task.Kind != chi.URLParam(r, "kind") {
		log.Warn("security: notification kind does not match task", "task_kind", task.Kind)
		ack(false)
		return
	}

	var n domain.Notification
	if err := shared.DecodeJSON(r, &n, false); err != nil {
		log.Warn("notification rejected", "reason", "invalid body", "error", err)
		ack(false)
		return
	}
	if err := shared.ValidateRequest(&n); err != nil {
		log.Warn("notification rejected", "reason", "invalid event", "error", err)
		ack(false)
		return
	}

	if err := h.tasks.ReceiveNotification(r.Context(), id, n); err != nil {
		log.Error("failed to apply notification", "event", n.Event, "error", redact.Error(err))
		ack(false)
		return
	}
	log.Debug("notification applied", "event", n.Event)
	ack(true)
}
