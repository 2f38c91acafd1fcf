package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaoxianzi-99/AiBot/pkg/persistence/chatstore"
	"github.com/xiaoxianzi-99/AiBot/pkg/render"
	"github.com/xiaoxianzi-99/AiBot/pkg/session"
)

type titleBody struct {
	Title string `json:"title"`
}

type chatBody struct {
	Prompt string `json:"prompt"`
}

type messagesResponse struct {
	Conversation chatstore.Conversation `json:"conversation"`
	Messages     []chatstore.Message    `json:"messages"`
	Welcome      string                 `json:"welcome,omitempty"`
}

type turnResponse struct {
	TurnID string `json:"turn_id"`
	ConvID int64  `json:"conv_id"`
	Prompt string `json:"prompt,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "webchat").Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": session.UserMessage(err)})
}

func statusFor(err error) int {
	var fe *session.FileError
	switch {
	case errors.Is(err, chatstore.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &fe):
		switch fe.Kind {
		case session.FileTooLarge:
			return http.StatusRequestEntityTooLarge
		case session.FileEncoding:
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(chatstore.ErrConversationNotFound, "bad id %q", r.PathValue("id"))
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListConversations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body titleBody
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		title = session.PlaceholderTitle
	}
	c, err := s.deps.Store.CreateConversation(r.Context(), title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, ok, err := s.deps.Store.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, chatstore.ErrConversationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body titleBody
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	title := strings.TrimSpace(body.Title)
	if title == "" {
		writeError(w, session.ErrEmptyInput)
		return
	}
	var c chatstore.Conversation
	if live, ok := s.cm.Peek(id); ok {
		c, err = live.Orch.RenameConversation(r.Context(), id, title)
	} else {
		c, err = s.deps.Store.RenameConversation(r.Context(), id, title)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.cm.Drop(id)
	if err := s.deps.Store.DeleteConversation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.snapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) snapshot(ctx context.Context, id int64) (messagesResponse, error) {
	c, ok, err := s.deps.Store.GetConversation(ctx, id)
	if err != nil {
		return messagesResponse{}, err
	}
	if !ok {
		return messagesResponse{}, errors.Wrapf(chatstore.ErrConversationNotFound, "id %d", id)
	}
	msgs, err := s.deps.Store.ListMessages(ctx, id)
	if err != nil {
		return messagesResponse{}, err
	}
	resp := messagesResponse{Conversation: c, Messages: msgs}
	if len(msgs) == 0 {
		resp.Welcome = session.WelcomeText
	}
	return resp, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body chatBody
	if err := decodeBody(r, &body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	live, err := s.cm.GetOrCreate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	turn, err := live.Orch.SendUserMessage(r.Context(), body.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, turnResponse{TurnID: turn.ID, ConvID: id})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// leave room for the multipart framing around the file
	r.Body = http.MaxBytesReader(w, r.Body, session.MaxUploadBytes+64<<10)
	file, header, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, &session.FileError{Kind: session.FileTooLarge, Name: "upload", Size: mbe.Limit})
			return
		}
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()
	data, err := io.ReadAll(io.LimitReader(file, session.MaxUploadBytes+1))
	if err != nil {
		writeError(w, &session.FileError{Kind: session.FileIO, Name: header.Filename, Err: err})
		return
	}

	live, err := s.cm.GetOrCreate(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	turn, err := live.Orch.UploadFile(r.Context(), header.Filename, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, turnResponse{TurnID: turn.ID, ConvID: id, Prompt: turn.Prompt})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	canceled := false
	if live, ok := s.cm.Peek(id); ok {
		canceled = live.Orch.CancelTurn()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": canceled})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.snapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	renderer := s.deps.Renderer
	if renderer == nil {
		renderer = render.NewHTMLRenderer()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="conversation-%d.html"`, id))
	if err := render.ExportHTML(w, renderer, snap.Conversation, snap.Messages); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Int64("conv_id", id).Msg("export failed")
	}
}
