package relay

import (
	"crypto/subtle"
	"net/http"
	"net/url"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/p2pbeam/beam/internal/config"
)

// Server is the HTTP face of the relay: the websocket endpoint, liveness,
// and the token-gated diagnostics endpoint.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	registry *Registry
	limiter  *Limiter
	metrics  *Metrics
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

// NewServer assembles the HTTP layer around an existing hub.
func NewServer(cfg *config.Config, hub *Hub, registry *Registry, limiter *Limiter, metrics *Metrics, log *logrus.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      hub,
		registry: registry,
		limiter:  limiter,
		metrics:  metrics,
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// Router builds the gin engine with CORS and all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return s.allowOrigin(origin) },
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
	}))

	r.GET("/health", s.handleHealth)
	r.GET("/health/diagnostics", s.handleDiagnostics)
	r.GET("/ws", s.handleWebSocket)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleDiagnostics is gated in production by a constant-time token compare
// and answers 404 rather than 403 so the endpoint's existence is not
// revealed by probing.
func (s *Server) handleDiagnostics(c *gin.Context) {
	if s.cfg.Production {
		if s.cfg.DiagnosticsToken == "" || !tokenMatches(c, s.cfg.DiagnosticsToken) {
			c.Status(http.StatusNotFound)
			return
		}
	}
	c.JSON(http.StatusOK, s.metrics.Collect(s.registry, s.limiter))
}

func tokenMatches(c *gin.Context, want string) bool {
	got := c.GetHeader("X-Diagnostics-Token")
	if got == "" {
		const prefix = "Bearer "
		auth := c.GetHeader("Authorization")
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			got = auth[len(prefix):]
		}
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleWebSocket(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer ws.Close()
	s.hub.ServeConn(ws, c.ClientIP())
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients (the CLI) send no Origin header.
		return true
	}
	return s.allowOrigin(origin)
}

// allowOrigin applies the exact-match allow list; outside production,
// private and loopback origins are admitted automatically so local
// development needs no configuration.
func (s *Server) allowOrigin(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	if s.cfg.Production {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return privateOrLoopback(u.Host)
}
