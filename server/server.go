// Package server exposes the classifier over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"magicer/domain"
	"magicer/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "magicer.request_id"
)

// Classifier is what the routes need from the orchestrator.
type Classifier interface {
	ClassifyContent(ctx context.Context, id domain.RequestID, filename string, r io.Reader) (domain.Outcome, error)
	ClassifyPath(ctx context.Context, id domain.RequestID, filename, relPath string) (domain.Outcome, error)
}

type Options struct {
	AuthUsername string
	AuthPassword string
	// MaxBodyBytes bounds the content route body; zero disables the bound.
	MaxBodyBytes   int64
	MaxConnections int
	// RequestsPerSecond enables a process-wide rate limit when positive.
	RequestsPerSecond float64
	SignatureDB       string
	Hostname          string
}

type Server struct {
	classifier Classifier
	opts       Options
	router     *gin.Engine
}

type resultBody struct {
	MimeType    string `json:"mime_type"`
	Description string `json:"description"`
	Encoding    string `json:"encoding,omitempty"`
}

type successBody struct {
	RequestID  string     `json:"request_id"`
	Filename   string     `json:"filename"`
	Result     resultBody `json:"result"`
	AnalyzedAt time.Time  `json:"analyzed_at"`
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

func New(c Classifier, opts Options) *Server {
	s := &Server{classifier: c, opts: opts}

	r := gin.New()
	r.Use(requestID(), requestLogger(), gin.CustomRecovery(recovered))
	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		abortWithError(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	v1 := r.Group("/v1")
	v1.GET("/ping", s.ping)

	magic := v1.Group("/magic")
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		magic.Use(gin.BasicAuth(gin.Accounts{opts.AuthUsername: opts.AuthPassword}))
	} else {
		logger.Warn("Authentication is disabled; set auth_username and auth_password to enable it")
	}
	magic.Use(limitConcurrency(opts.MaxConnections))
	if opts.RequestsPerSecond > 0 {
		burst := max(int(opts.RequestsPerSecond), 1)
		magic.Use(limitRate(rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)))
	}
	magic.POST("/content", s.content)
	magic.POST("/path", s.path)

	s.router = r
	return s
}

// Handler returns the routed gin engine.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":      "pong",
		"request_id":   currentRequestID(c).String(),
		"signature_db": s.opts.SignatureDB,
		"hostname":     s.opts.Hostname,
	})
}

func (s *Server) content(c *gin.Context) {
	body := c.Request.Body
	if s.opts.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, s.opts.MaxBodyBytes)
	}
	out, err := s.classifier.ClassifyContent(c.Request.Context(), currentRequestID(c), c.Query("filename"), body)
	s.respond(c, out, err)
}

func (s *Server) path(c *gin.Context) {
	out, err := s.classifier.ClassifyPath(c.Request.Context(), currentRequestID(c), c.Query("filename"), c.Query("path"))
	s.respond(c, out, err)
}

func (s *Server) respond(c *gin.Context, out domain.Outcome, err error) {
	if err != nil {
		abortWithError(c, statusFor(err), publicMessage(err))
		return
	}
	c.JSON(http.StatusOK, successBody{
		RequestID: out.RequestID.String(),
		Filename:  out.Filename.String(),
		Result: resultBody{
			MimeType:    out.MimeType.String(),
			Description: out.Description,
			Encoding:    out.Encoding,
		},
		AnalyzedAt: out.AnalyzedAt,
	})
}

func abortWithError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Error: msg, RequestID: currentRequestID(c).String()})
}

func recovered(c *gin.Context, err any) {
	logger.Errorf("Handler panic for request %s: %v", currentRequestID(c), err)
	abortWithError(c, http.StatusInternalServerError, "internal error")
}

// statusFor maps a classification failure to its HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case domain.KindStorageExhausted:
		return http.StatusInsufficientStorage
	case domain.KindEngine:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var validationCauses = []error{
	domain.ErrEmptyValue,
	domain.ErrTooLong,
	domain.ErrInvalidCharacter,
	domain.ErrAbsolutePath,
	domain.ErrPathTraversal,
	domain.ErrInvalidPath,
	domain.ErrEmptyContent,
	domain.ErrInvalidMime,
}

// publicMessage renders err for clients. Internal failures can carry host
// paths, so only their kind is shown.
func publicMessage(err error) string {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return "request body too large"
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		return "internal error"
	}
	switch de.Kind {
	case domain.KindInternal, domain.KindRetriesExceeded:
		return "internal error"
	case domain.KindValidation:
		msg := de.Msg
		for _, cause := range validationCauses {
			if errors.Is(err, cause) {
				if msg == "" {
					return cause.Error()
				}
				return msg + ": " + cause.Error()
			}
		}
		if msg == "" {
			return de.Kind.String()
		}
		return msg
	default:
		if de.Msg == "" {
			return de.Kind.String()
		}
		return de.Msg
	}
}
