package relay

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"deskhub/realtime/internal/chat"
	"deskhub/realtime/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the hub, the guest session registry and token auth into an
// HTTP surface.
type Server struct {
	hub  *Hub
	chat *chat.Registry
	auth TokenAuthenticator
	log  *logrus.Entry
}

// NewServer creates the HTTP layer.
func NewServer(hub *Hub, registry *chat.Registry, auth TokenAuthenticator, log *logrus.Entry) *Server {
	return &Server{hub: hub, chat: registry, auth: auth, log: log}
}

// Routes registers every endpoint on the router.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/ws", s.handleWS)

	calls := r.Group("/calls", s.authed)
	calls.POST("/:sessionId/answer", s.handleAnswer)
	calls.POST("/:sessionId/decline", s.handleDecline)
	calls.POST("/:sessionId/end", s.handleEnd)
	calls.GET("/:sessionId/status", s.handleStatus)

	r.POST("/chat/start-session", s.handleStartSession)
	r.POST("/chat/return-to-queue", s.handleReturnToQueue)
	r.POST("/chat/message", s.handleChatMessage)
	r.GET("/chat/transcript", s.handleTranscript)
}

// authed resolves the bearer token and stores the identity on the context.
func (s *Server) authed(c *gin.Context) {
	user, err := s.identify(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set("user", user)
	c.Next()
}

func (s *Server) identify(c *gin.Context) (domain.Participant, error) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		// Browsers cannot set headers on WebSocket dials; accept ?token=.
		token = c.Query("token")
	}
	return s.auth.Authenticate(token)
}

func (s *Server) handleWS(c *gin.Context) {
	user, err := s.identify(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s.log.WithField("user", user.UserID).Info("client connected")
	client := NewClient(s.hub, conn, user, s.log)
	client.Run()
	s.log.WithField("user", user.UserID).Info("client disconnected")
}

func (s *Server) handleAnswer(c *gin.Context) {
	user := c.MustGet("user").(domain.Participant)
	if err := s.hub.Answer(c.Param("sessionId"), user.UserID); err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "answered"})
}

func (s *Server) handleDecline(c *gin.Context) {
	user := c.MustGet("user").(domain.Participant)
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := s.hub.Decline(c.Param("sessionId"), user.UserID, body.Reason); err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "declined"})
}

func (s *Server) handleEnd(c *gin.Context) {
	user := c.MustGet("user").(domain.Participant)
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := s.hub.End(c.Param("sessionId"), user.UserID, body.Reason); err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (s *Server) handleStatus(c *gin.Context) {
	user := c.MustGet("user").(domain.Participant)
	participants, err := s.hub.Status(c.Param("sessionId"), user.UserID)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (s *Server) handleStartSession(c *gin.Context) {
	var req domain.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}

	resp, err := s.chat.StartSession(req)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReturnToQueue(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	if err := s.chat.ReturnToQueue(req.SessionID); err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "suspended"})
}

func (s *Server) handleChatMessage(c *gin.Context) {
	var req struct {
		SessionID string `json:"sessionId"`
		Author    string `json:"author"`
		FromGuest bool   `json:"fromGuest"`
		Body      string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" || req.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId and body are required"})
		return
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		Author:    req.Author,
		FromGuest: req.FromGuest,
		Body:      req.Body,
		SentAt:    time.Now(),
	}
	if err := s.chat.Append(req.SessionID, msg); err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) handleTranscript(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	sess, err := s.chat.Session(sessionID)
	if err != nil {
		abortDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":   sess.ID,
		"messages":    sess.Transcript,
		"unreadCount": sess.UnreadCount,
	})
}

func abortDomainError(c *gin.Context, err error) {
	var authErr *domain.AuthorizationError
	var notFound *domain.NotFoundError
	switch {
	case errors.As(err, &authErr):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
