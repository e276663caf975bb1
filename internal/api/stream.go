package api

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"

	"github.com/conveyorhq/conveyor/internal/events"
)

// StreamJob handles GET /v1/jobs/{id}/stream, a websocket that pushes
// each progress event as a JSON message. Subscribers attached after
// steps have already run receive the backlog first, then live events.
// The stream closes after the terminal status event; a job that is
// already terminal yields its backlog and closes immediately.
func (h *Handler) StreamJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "job_id", id, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	if j.Status.IsTerminal() && len(h.broker.Snapshot(id)) == 0 {
		// The event log is gone, after a restart or maintenance
		// pruning. Synthesize the terminal status so the stream
		// still ends instead of blocking forever.
		event := events.Event{
			JobID:     id,
			Type:      events.TypeStatus,
			Status:    j.Status,
			Timestamp: j.UpdatedAt,
		}
		if err := wsjson.Write(ctx, conn, event); err != nil {
			return
		}
		_ = conn.Close(websocket.StatusNormalClosure, "job reached terminal status")
		return
	}

	sub := h.broker.Subscribe(id)
	for {
		event, ok, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, ctx.Err()) {
				h.log.Warn("stream aborted", "job_id", id, "error", err)
			}
			return
		}
		if !ok {
			break
		}
		if err := wsjson.Write(ctx, conn, event); err != nil {
			return
		}
		if event.Terminal() {
			break
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "job reached terminal status")
}
