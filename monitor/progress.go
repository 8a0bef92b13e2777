package monitor

// progress.go – WebSocket progress feed. A single client (typically a
// dashboard) connects and receives periodic JSON progress messages for
// the active session.

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// MessageType identifies a progress feed message.
type MessageType string

const (
	ProgressUpdate MessageType = "progressUpdate"
	SessionDone    MessageType = "sessionDone"
)

// ProgressMessage is one sample of session progress.
type ProgressMessage struct {
	Type    MessageType
	Mode    string
	Percent float64
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ProgressServer pushes progress samples to the connected client.
type ProgressServer struct {
	ctrl     Controller
	interval time.Duration
	done     chan struct{}
	srv      *http.Server
}

func NewProgressServer(ctrl Controller, interval time.Duration) *ProgressServer {
	if interval <= 0 {
		interval = time.Second
	}

	return &ProgressServer{
		ctrl:     ctrl,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Handler exposes the feed endpoint for mounting on any HTTP server.
func (s *ProgressServer) Handler() http.Handler {
	return http.HandlerFunc(s.handler)
}

// Serve starts the HTTP listener for the feed on addr. The listener is
// shut down by Close.
func (s *ProgressServer) Serve(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/progress", s.handler)

	s.srv = &http.Server{Addr: addr, Handler: mux}

	log.WithField("addr", addr).Debug("starting progress websocket server")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("error", err).Warn("progress server stopped")
		}
	}()
}

func (s *ProgressServer) handler(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Warn("websocket upgrade failed")

		return
	}

	log.Debug("progress client connected")

	defer c.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			_ = c.WriteJSON(ProgressMessage{Type: SessionDone, Mode: modeNames[s.ctrl.Mode()]})

			return
		case <-ticker.C:
			msg := ProgressMessage{
				Type:    ProgressUpdate,
				Mode:    modeNames[s.ctrl.Mode()],
				Percent: s.ctrl.Percentage(),
			}

			if err := c.WriteJSON(msg); err != nil {
				log.WithField("error", err).Warn("error sending ws message")

				return
			}
		}
	}
}

// Close ends the feed, notifies connected clients and shuts down the
// listener started by Serve.
func (s *ProgressServer) Close() {
	close(s.done)

	if s.srv != nil {
		if err := s.srv.Close(); err != nil {
			log.WithField("error", err).Warn("closing progress server")
		}
	}
}
