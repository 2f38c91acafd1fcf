package webchat

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Server exposes the conversation store and live sessions over HTTP and
// websockets.
type Server struct {
	deps     Deps
	cm       *ConvManager
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(ctx context.Context, addr string, deps Deps) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if deps.Store == nil || deps.Client == nil || deps.Bus == nil {
		return nil, errors.New("webchat: store, client and bus are required")
	}
	s := &Server{
		deps: deps,
		cm:   NewConvManager(ctx, deps),
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("PATCH /api/conversations/{id}", s.handleRenameConversation)
	s.mux.HandleFunc("DELETE /api/conversations/{id}", s.handleDeleteConversation)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("POST /api/conversations/{id}/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/conversations/{id}/upload", s.handleUpload)
	s.mux.HandleFunc("POST /api/conversations/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /api/conversations/{id}/export.html", s.handleExport)
	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Manager() *ConvManager { return s.cm }

// Run serves until ctx is canceled, then shuts down and unloads every live
// conversation.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Str("component", "webchat").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		s.cm.Close()
		if err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting web chat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
