package relay

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/teranos/jobboard/version"
)

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HandleHealth)
	return mux
}

// checkOrigin validates the Origin header against the allow-list. Requests
// without an Origin (non-browser clients) are accepted. "*" allows all.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if originAllowed(origin, *s.origins.Load()) {
		return true
	}
	s.logger.Warnw("Origin rejected", "url", origin)
	return false
}

// originAllowed matches scheme and host exactly. An entry without a port
// admits any port on that host.
func originAllowed(origin string, allowList []string) bool {
	o, err := url.Parse(origin)
	if err != nil || o.Scheme == "" || o.Host == "" {
		return false
	}
	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		if entry == "*" {
			return true
		}
		a, err := url.Parse(strings.TrimRight(entry, "/"))
		if err != nil || a.Host == "" || !strings.EqualFold(a.Scheme, o.Scheme) {
			continue
		}
		if !strings.EqualFold(a.Hostname(), o.Hostname()) {
			continue
		}
		if a.Port() == "" || a.Port() == o.Port() {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades GET /ws?userId=&jobId=[&protocol=] and joins the
// job's room.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.State() != StateRunning {
		writeError(w, http.StatusServiceUnavailable, "relay is shutting down")
		return
	}
	if p := r.URL.Query().Get("protocol"); !version.SupportsChatProtocol(p) {
		s.logger.Warnw("Unsupported chat protocol", "protocol", p, "want", version.ChatProtocol)
		writeError(w, http.StatusBadRequest, "unsupported chat protocol "+p)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	q := r.URL.Query()
	c := &Client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, ClientQueueSize),
		id:     uuid.NewString(),
		userID: q.Get("userId"),
		jobID:  JobRef(strings.TrimSpace(q.Get("jobId"))),
		rooms:  make(map[string]struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	select {
	case s.register <- c:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// HandleHealth reports liveness and hub counts.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	info := version.Get()
	st := s.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   s.State().String(),
		"version":  info.Version,
		"commit":   info.Short(),
		"protocol": info.ChatProtocol,
		"clients":  st.Clients,
		"rooms":    len(st.Rooms),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
