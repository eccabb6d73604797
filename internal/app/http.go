package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fitdesk/api/internal/collab"
	"fitdesk/api/internal/store"
)

type HTTPServer struct {
	service    *collab.Service
	hub        *Hub
	corsOrigin string
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *collab.Service, hub *Hub, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		hub:        hub,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if !strings.HasPrefix(r.URL.Path, "/api/collab/ws") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":     false,
				"status": "not_ready",
				"checks": map[string]any{"store": map[string]any{"status": "error", "error": err.Error()}},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":     true,
			"status": "ready",
			"checks": map[string]any{"store": map[string]any{"status": "ok"}},
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/collab/sessions" {
		s.handleCreateSession(w, r)
		return
	}

	if rest, ok := strings.CutPrefix(r.URL.Path, "/api/collab/sessions/"); ok {
		s.handleSessionSubroute(w, r, rest)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/collab/changes" {
		s.handleRecordChange(w, r)
		return
	}

	if rest, ok := strings.CutPrefix(r.URL.Path, "/api/collab/documents/"); ok && r.Method == http.MethodGet {
		s.handleDocumentSubroute(w, r, rest)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/collab/ws" {
		s.handleWebsocket(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocumentID string `json:"documentId"`
		TTLMinutes int    `json:"ttlMinutes"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), body.DocumentID, time.Duration(body.TTLMinutes)*time.Minute)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSessionSubroute(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	sessionID := parts[0]
	if sessionID == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		session, err := s.service.ValidateSession(r.Context(), sessionID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && parts[1] == "refresh":
		session, err := s.service.RefreshSession(r.Context(), sessionID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))

	case r.Method == http.MethodPost && parts[1] == "join":
		var body struct {
			UserID     string `json:"userId"`
			DocumentID string `json:"documentId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		user, err := s.service.JoinSession(r.Context(), sessionID, body.UserID, body.DocumentID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.hub.Publish(Event{
			Type:       EventUserJoined,
			SessionID:  sessionID,
			DocumentID: user.DocumentID,
			UserID:     user.UserID,
			Payload:    activeUserPayload(user),
		})
		writeJSON(w, http.StatusOK, activeUserPayload(user))

	case r.Method == http.MethodPost && parts[1] == "leave":
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.LeaveSession(r.Context(), sessionID, body.UserID); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.hub.Publish(Event{Type: EventUserLeft, SessionID: sessionID, UserID: body.UserID})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodGet && parts[1] == "users":
		users, err := s.service.ActiveUsers(r.Context(), sessionID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(users))
		for _, user := range users {
			payload = append(payload, activeUserPayload(user))
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": payload})

	case r.Method == http.MethodPost && parts[1] == "cursor":
		var body struct {
			UserID     string           `json:"userId"`
			DocumentID string           `json:"documentId"`
			Offset     int              `json:"offset"`
			Line       int              `json:"line"`
			Column     int              `json:"column"`
			Selection  *store.Selection `json:"selection"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		cursor, err := s.service.UpdateCursor(r.Context(), store.CursorPosition{
			SessionID:  sessionID,
			UserID:     body.UserID,
			DocumentID: body.DocumentID,
			Offset:     body.Offset,
			Line:       body.Line,
			Column:     body.Column,
			Selection:  body.Selection,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.hub.Publish(Event{
			Type:       EventCursorUpdate,
			SessionID:  sessionID,
			DocumentID: cursor.DocumentID,
			UserID:     cursor.UserID,
			Payload:    cursorPayload(cursor),
		})
		writeJSON(w, http.StatusOK, cursorPayload(cursor))

	case r.Method == http.MethodGet && parts[1] == "cursors":
		cursors, err := s.service.CursorSnapshot(r.Context(), sessionID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(cursors))
		for _, cursor := range cursors {
			payload = append(payload, cursorPayload(cursor))
		}
		writeJSON(w, http.StatusOK, map[string]any{"cursors": payload})

	case r.Method == http.MethodPost && parts[1] == "typing":
		var body struct {
			UserID   string `json:"userId"`
			IsTyping bool   `json:"isTyping"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetTyping(r.Context(), sessionID, body.UserID, body.IsTyping); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.hub.Publish(Event{
			Type:      EventTypingStatus,
			SessionID: sessionID,
			UserID:    body.UserID,
			Payload:   map[string]any{"isTyping": body.IsTyping},
		})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleRecordChange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID      string `json:"sessionId"`
		DocumentID     string `json:"documentId"`
		UserID         string `json:"userId"`
		ChangeType     string `json:"changeType"`
		Position       int    `json:"position"`
		Content        string `json:"content"`
		DeletedContent string `json:"deletedContent"`
		BaseVersion    int    `json:"baseVersion"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	change, err := s.service.RecordChange(r.Context(), collab.IncomingChange{
		SessionID:      body.SessionID,
		DocumentID:     body.DocumentID,
		UserID:         body.UserID,
		ChangeType:     body.ChangeType,
		Position:       body.Position,
		Content:        body.Content,
		DeletedContent: body.DeletedContent,
		BaseVersion:    body.BaseVersion,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.hub.Publish(Event{
		Type:       EventChangeCommitted,
		SessionID:  change.SessionID,
		DocumentID: change.DocumentID,
		UserID:     change.UserID,
		Payload:    changePayload(change),
	})
	writeJSON(w, http.StatusCreated, changePayload(change))
}

func (s *HTTPServer) handleDocumentSubroute(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	documentID := parts[0]

	switch parts[1] {
	case "history":
		fromVersion := 0
		if raw := r.URL.Query().Get("fromVersion"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "fromVersion must be a non-negative integer", nil)
				return
			}
			fromVersion = parsed
		}
		changes, err := s.service.History(r.Context(), documentID, fromVersion)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(changes))
		for _, change := range changes {
			payload = append(payload, changePayload(change))
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": payload})

	case "content":
		text, version, err := s.service.DocumentContent(r.Context(), documentID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"content": text, "version": version})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	userID := r.URL.Query().Get("userId")
	if sessionID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "sessionId and userId are required", nil)
		return
	}

	if _, err := s.service.ValidateSession(r.Context(), sessionID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}

	c := &client{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, 64),
		sessionID: sessionID,
		userID:    userID,
	}
	s.hub.register <- c

	go c.writePump()
	go c.readPump()
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var domain *collab.DomainError
	if errors.As(err, &domain) {
		writeError(w, domain.Status, domain.Code, domain.Message, domain.Details)
		return
	}

	var structural *collab.StructuralError
	if errors.As(err, &structural) {
		log.Printf("FATAL document state: %v", structural)
		writeError(w, http.StatusInternalServerError, "STRUCTURAL_INCONSISTENCY", structural.Error(), nil)
		return
	}

	log.Printf("internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal error", nil)
}

func sessionPayload(session store.Session) map[string]any {
	return map[string]any{
		"sessionId":  session.ID,
		"documentId": session.DocumentID,
		"createdAt":  session.CreatedAt,
		"expiresAt":  session.ExpiresAt,
	}
}

func activeUserPayload(user store.ActiveUser) map[string]any {
	return map[string]any{
		"sessionId":    user.SessionID,
		"userId":       user.UserID,
		"documentId":   user.DocumentID,
		"color":        user.Color,
		"isTyping":     user.IsTyping,
		"joinedAt":     user.JoinedAt,
		"lastActivity": user.LastActivity,
	}
}

func cursorPayload(cursor store.CursorPosition) map[string]any {
	payload := map[string]any{
		"sessionId":   cursor.SessionID,
		"userId":      cursor.UserID,
		"documentId":  cursor.DocumentID,
		"offset":      cursor.Offset,
		"line":        cursor.Line,
		"column":      cursor.Column,
		"lastUpdated": cursor.LastUpdated,
	}
	if cursor.Selection != nil {
		payload["selection"] = cursor.Selection
	}
	return payload
}

func changePayload(change store.DocumentChange) map[string]any {
	return map[string]any{
		"id":             change.ID,
		"documentId":     change.DocumentID,
		"sessionId":      change.SessionID,
		"userId":         change.UserID,
		"changeType":     change.ChangeType,
		"position":       change.Position,
		"content":        change.Content,
		"deletedContent": change.DeletedContent,
		"version":        change.Version,
		"conflicted":     change.Conflicted,
		"timestamp":      change.Timestamp,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
