// Package collab applies document mutations and mirrors them to live rooms.
//
// Every mutation is authorized by the access gate, persisted through the
// repository, and only then broadcast. A failed write never produces an event.
package collab

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"bloks/cmd/identity"
	"bloks/cmd/internal/access"
	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/document"
	"bloks/cmd/internal/invite"
	"bloks/cmd/internal/mailer"
	"bloks/cmd/internal/metrics"
	"bloks/cmd/internal/realtime"
	"bloks/cmd/internal/repocall"
)

const defaultAppBaseURL = "http://localhost:3000"

// Caller is the authenticated user behind a request.
type Caller struct {
	UserID string
	Email  string
}

// Service is the document mutation and sharing service.
type Service struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	call    repocall.Policy

	docs   document.Repository
	gate   *access.Gate
	tokens *invite.Service
	rt     *realtime.Manager
	dir    identity.Directory
	mail   mailer.Sender

	appBaseURL string
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithCallPolicy(p repocall.Policy) Option { return func(s *Service) { s.call = p } }

// WithDirectory resolves caller emails that are missing from the access token.
func WithDirectory(d identity.Directory) Option { return func(s *Service) { s.dir = d } }

func WithMailer(m mailer.Sender) Option {
	return func(s *Service) {
		if m != nil {
			s.mail = m
		}
	}
}

// WithAppBaseURL sets the origin used in invite and verification links.
func WithAppBaseURL(u string) Option {
	return func(s *Service) {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			s.appBaseURL = u
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service. rt may be nil, in which case nothing is broadcast.
func NewService(docs document.Repository, gate *access.Gate, tokens *invite.Service, rt *realtime.Manager, opts ...Option) (*Service, error) {
	if docs == nil || gate == nil || tokens == nil {
		return nil, apperr.E("collab.new", apperr.ErrInvalid, "missing dependency")
	}
	s := &Service{
		log:        slog.Default(),
		docs:       docs,
		gate:       gate,
		tokens:     tokens,
		rt:         rt,
		appBaseURL: defaultAppBaseURL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.mail == nil {
		s.mail = mailer.NewLog(s.log)
	}
	return s, nil
}

// AppBaseURL is the origin used for links and post-verification redirects.
func (s *Service) AppBaseURL() string { return s.appBaseURL }

// DocumentURL is where the app shows documentID.
func (s *Service) DocumentURL(documentID string) string {
	return s.appBaseURL + "/documents/" + url.PathEscape(documentID)
}

func (s *Service) inviteURL(tok string) string {
	return s.appBaseURL + "/invite/" + url.PathEscape(tok)
}

func (s *Service) verifyURL(tok string) string {
	return s.appBaseURL + "/verify?token=" + url.QueryEscape(tok)
}

// emit sends a room event after a successful write. Delivery problems are
// logged and never fail the mutation.
func (s *Service) emit(documentID, event string, payload any, opts ...realtime.EmitOption) {
	if s.rt == nil {
		return
	}
	if _, err := s.rt.Broadcaster().Emit(realtime.RoomScope(documentID), event, payload, opts...); err != nil {
		s.log.Warn("collab.emit.fail", "document_id", documentID, "event", event, "err", err)
	}
}
