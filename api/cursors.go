package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"revgraph/cursor"
	"revgraph/proto"
)

const writeWait = 10 * time.Second

func (h *Handler) ListCursors(w http.ResponseWriter, r *http.Request) {
	cs := h.cursors.List(scopeOf(r))
	resp := proto.CursorsResponse{Cursors: make([]cursor.Snapshot, 0, len(cs))}
	for _, c := range cs {
		resp.Cursors = append(resp.Cursors, c.Snapshot())
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartCursor places a named cursor, replacing any cursor of that name.
func (h *Handler) StartCursor(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	var req proto.CursorStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	c, err := cursor.Start(r.Context(), gh.View(r.PathValue("branch")), r.PathValue("name"), req.Node)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cursors.Publish(c)
	writeJSON(w, http.StatusCreated, c.Snapshot())
}

func (h *Handler) GetCursor(w http.ResponseWriter, r *http.Request) {
	c, err := h.cursors.Get(scopeOf(r), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *Handler) RemoveCursor(w http.ResponseWriter, r *http.Request) {
	if !h.cursors.Remove(scopeOf(r), r.PathValue("name")) {
		writeError(w, http.StatusNotFound, "cursor not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveCursor applies one movement to the registered cursor and publishes
// the result. Concurrent moves of the same cursor conflict.
func (h *Handler) MoveCursor(w http.ResponseWriter, r *http.Request) {
	gh := GraphFrom(r.Context())
	var req proto.CursorMoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	c, err := h.cursors.Get(scopeOf(r), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	// The stored snapshot may read from a handle closed since.
	c = c.Bind(gh.View(r.PathValue("branch")))

	ctx := r.Context()
	var next *cursor.Cursor
	switch req.Movement {
	case cursor.Jump, cursor.StepToNode:
		if req.Node == nil {
			writeError(w, http.StatusBadRequest, "node required", nil)
			return
		}
		if req.Movement == cursor.Jump {
			next, err = c.Jump(ctx, *req.Node)
		} else {
			next, err = c.StepToNode(ctx, *req.Node)
		}
	case cursor.StepToFirstNodeOfType:
		next, err = c.StepToFirstNodeOfType(ctx, req.Type)
	case cursor.StepViaFirstEdgeOfType:
		next, err = c.StepViaFirstEdgeOfType(ctx, req.Type)
	case proto.MovementWalk:
		next, err = c.Walk(ctx, req.EdgeTypes, req.NodeTypes)
	default:
		writeError(w, http.StatusBadRequest, "unknown movement", nil)
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	h.cursors.Publish(next)
	writeJSON(w, http.StatusOK, next.Snapshot())
}

// WatchCursors streams cursor registry updates over a websocket. The graph
// and branch query parameters filter the stream.
func (h *Handler) WatchCursors(w http.ResponseWriter, r *http.Request) {
	graphName := r.URL.Query().Get("graph")
	branch := r.URL.Query().Get("branch")
	claims := ClaimsFrom(r.Context())
	if graphName != "" && claims != nil && !claims.AllowsGraph(graphName) {
		writeError(w, http.StatusForbidden, "graph not allowed", nil)
		return
	}

	// Subscribe before the handshake completes so no update published after
	// the client connected is missed.
	updates, cancel := h.cursors.Subscribe(64)
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			closeNormal(conn)
			return
		case u, ok := <-updates:
			if !ok {
				closeNormal(conn)
				return
			}
			s := u.Snapshot.Scope
			if (graphName != "" && s.Graph != graphName) || (branch != "" && s.Branch != branch) {
				continue
			}
			if claims != nil && !claims.AllowsGraph(s.Graph) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(u); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
