// Package salttest provides an in-process salt-api for tests.
package salttest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// JobHandler scripts the reply to a job submission. A []byte or string body
// is written verbatim, anything else is encoded as JSON.
type JobHandler func(payload map[string]interface{}) (status int, body interface{})

// Submission is one recorded job request.
type Submission struct {
	Payload map[string]interface{}
	Token   string
}

// Server mimics the /login and / endpoints of salt-api.
type Server struct {
	*httptest.Server

	Username string
	Password string
	Token    string
	TokenTTL time.Duration
	// Now stamps token expiry; tests driving a fake clock point it there
	Now func() time.Time

	mu          sync.Mutex
	loginStatus int
	onJob       JobHandler
	drops       int
	delay       time.Duration
	logins      []map[string]interface{}
	submissions []Submission
}

// NewServer starts a fake salt-api accepting user/secret.
func NewServer() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		Username: "saltapi",
		Password: "secret",
		Token:    "6d1b722e4c6f3e0d2c3a5e5a7b1f0c2d9e8a7b6c",
		TokenTTL: 12 * time.Hour,
		Now:      time.Now,
		onJob: func(map[string]interface{}) (int, interface{}) {
			return http.StatusOK, gin.H{"return": []interface{}{map[string]interface{}{}}}
		},
	}

	router := gin.New()
	router.Use(s.dropMiddleware())
	router.POST("/login", s.login)
	router.POST("/", s.authMiddleware(), s.job)

	s.Server = httptest.NewServer(router)
	return s
}

// OnJob replaces the job submission handler.
func (s *Server) OnJob(h JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onJob = h
}

// FailLogin makes /login answer with status and an empty body.
func (s *Server) FailLogin(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loginStatus = status
}

// DropConnections closes the next n connections without answering.
func (s *Server) DropConnections(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops = n
}

// Delay stalls every answer by d, or until the client gives up.
func (s *Server) Delay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Logins returns the recorded login bodies.
func (s *Server) Logins() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]interface{}(nil), s.logins...)
}

// Submissions returns the recorded job requests.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

func (s *Server) dropMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		drop := s.drops > 0
		if drop {
			s.drops--
		}
		delay := s.delay
		s.mu.Unlock()

		if drop {
			conn, _, err := c.Writer.Hijack()
			if err == nil {
				conn.Close()
			}
			c.Abort()
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.Request.Context().Done():
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Auth-Token") != s.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status":  401,
				"message": "Authentication required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) login(c *gin.Context) {
	var body map[string]interface{}
	_ = c.ShouldBindJSON(&body)

	s.mu.Lock()
	s.logins = append(s.logins, body)
	status := s.loginStatus
	s.mu.Unlock()

	if status != 0 {
		c.Status(status)
		return
	}
	if body["username"] != s.Username || body["password"] != s.Password {
		c.Status(http.StatusUnauthorized)
		return
	}

	now := s.Now()
	c.JSON(http.StatusOK, gin.H{"return": []interface{}{gin.H{
		"token":  s.Token,
		"start":  float64(now.UnixNano()) / 1e9,
		"expire": float64(now.Add(s.TokenTTL).UnixNano()) / 1e9,
		"user":   body["username"],
		"eauth":  body["eauth"],
		"perms":  []string{".*", "@runner", "@wheel"},
	}}})
}

func (s *Server) job(c *gin.Context) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.submissions = append(s.submissions, Submission{Payload: payload, Token: c.GetHeader("X-Auth-Token")})
	handler := s.onJob
	s.mu.Unlock()

	status, body := handler(payload)
	switch b := body.(type) {
	case []byte:
		c.Data(status, "text/html", b)
	case string:
		c.Data(status, "text/html", []byte(b))
	default:
		c.JSON(status, b)
	}
}

// Clock is a manual clock satisfying salt.Clock. Sleep advances time
// instead of blocking.
type Clock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return ctx.Err()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Slept lists every Sleep duration in call order.
func (c *Clock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}
