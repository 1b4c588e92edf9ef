package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"bloks/cmd/internal/apperr"
	v1 "bloks/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const maxPingFailures = 3

// Authenticator resolves the caller of an upgrade request. Failures should
// carry apperr.ErrUnauthenticated.
type Authenticator func(r *http.Request) (Identity, error)

// WSGateway upgrades HTTP requests to bloks.realtime.v1 sockets and feeds
// their envelopes to the Manager.
type WSGateway struct {
	log     *slog.Logger
	mgr     *Manager
	auth    Authenticator
	cfg     WSConfig
	origins originPolicy
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithWSConfig replaces the BLOKS_WS_* environment configuration.
func WithWSConfig(c WSConfig) GatewayOption {
	return func(g *WSGateway) { g.cfg = c }
}

// NewWSGateway builds a gateway configured from BLOKS_WS_* unless overridden.
// A nil auth rejects every upgrade.
func NewWSGateway(log *slog.Logger, mgr *Manager, auth Authenticator, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	g := &WSGateway{log: log, mgr: mgr, auth: auth, cfg: LoadWSConfigFromEnv()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.cfg = g.cfg.withDefaults()
	g.origins = newOriginPolicy(g.cfg.OriginRequired, g.cfg.AllowedOrigins)
	return g
}

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) { g.HandleWS(w, r) }

// HandleWS runs one socket until either side closes it.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	id, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, apperr.PublicMessage(err), apperr.HTTPStatus(err))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.acceptPatterns(),
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sess, err := g.mgr.Connect(r.Context(), id)
	if err != nil {
		g.log.Info("ws.connect.fail", "user_id", id.UserID, "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, apperr.Code(err))
		return
	}

	c := &wsConn{
		g:       g,
		conn:    conn,
		sess:    sess,
		limiter: NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow),
	}
	c.serve(r.Context())
}

func (g *WSGateway) authenticate(r *http.Request) (Identity, error) {
	if g.auth == nil {
		return Identity{}, apperr.E("ws.auth", apperr.ErrUnauthenticated, "no authenticator")
	}
	id, err := g.auth(r)
	if err != nil {
		return Identity{}, err
	}
	if strings.TrimSpace(id.UserID) == "" {
		return Identity{}, apperr.E("ws.auth", apperr.ErrUnauthenticated, "")
	}
	return id, nil
}

// errConnDone stops the sibling loops of a connection.
var errConnDone = errors.New("connection done")

// wsConn is one accepted socket bound to a Session.
type wsConn struct {
	g       *WSGateway
	conn    *websocket.Conn
	sess    *Session
	limiter *RateLimiter

	closeOnce sync.Once
}

// serve runs the reader, writer and heartbeat until any of them stops.
func (c *wsConn) serve(parent context.Context) {
	grp, ctx := errgroup.WithContext(parent)
	grp.Go(func() error { return c.readLoop(ctx) })
	grp.Go(func() error { return c.writeLoop(ctx) })
	grp.Go(func() error { return c.heartbeat(ctx) })
	_ = grp.Wait()

	c.close(parent, websocket.StatusNormalClosure, "bye")
}

// close leaves every room before the socket goes away, so no broadcast
// targets a half-closed connection. Later calls are no-ops.
func (c *wsConn) close(ctx context.Context, code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.g.mgr.Disconnect(context.WithoutCancel(ctx), c.sess.ID)
		_ = c.conn.Close(code, reason)
	})
}

func (c *wsConn) stop(ctx context.Context, code websocket.StatusCode, reason string) error {
	c.close(ctx, code, reason)
	return errConnDone
}

func (c *wsConn) readLoop(ctx context.Context) error {
	for {
		rctx, cancel := context.WithTimeout(ctx, c.g.cfg.ReadIdleTimeout)
		_, data, err := c.conn.Read(rctx)
		cancel()
		if err != nil {
			code, reason := readCloseStatus(err)
			if code == websocket.StatusAbnormalClosure {
				c.g.log.Info("ws.read.fail", "session_id", c.sess.ID, "err", err)
			}
			return c.stop(ctx, code, reason)
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("", "bad_json", "invalid JSON")
			continue
		}

		if !c.limiter.Allow(time.Now()) {
			return c.fail(ctx, env.ID, "rate_limited", "too many events", websocket.StatusPolicyViolation)
		}

		if err := c.dispatch(ctx, env); err != nil {
			return err
		}
	}
}

// dispatch handles one inbound envelope. A non-nil return ends the connection.
func (c *wsConn) dispatch(ctx context.Context, env v1.Envelope) error {
	if err := env.Validate(); err != nil {
		c.sendError(env.ID, "bad_envelope", err.Error())
		return nil
	}
	if !v1.IsInbound(env.Type) {
		c.sendError(env.ID, "unsupported", "unsupported type: "+env.Type)
		return nil
	}

	if env.Type == v1.TypeHello {
		ack := v1.HelloAckPayload{SessionID: c.sess.ID, UserID: c.sess.UserID}
		if !c.reply(env.ID, v1.TypeHelloAck, ack) {
			return c.stop(ctx, websocket.StatusPolicyViolation, "hello failed")
		}
		return nil
	}

	ack, err := c.g.mgr.Route(ctx, c.sess.ID, env.Type, env.Payload)
	if err != nil {
		if apperr.IsUnavailable(err) || !apperr.IsKinded(err) {
			c.g.log.Warn("ws.route.fail", "session_id", c.sess.ID, "type", env.Type, "err", err)
		}
		c.sendError(env.ID, apperr.Code(err), apperr.PublicMessage(err))
		return nil
	}
	_ = c.reply(env.ID, ackType(env.Type), ack)
	return nil
}

func ackType(request string) string {
	if request == v1.TypeLeaveDocument {
		return v1.TypeLeaveDocumentAck
	}
	return v1.TypeJoinDocumentAck
}

func (c *wsConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.sess.Done():
			// Evicted or shut down by the Manager.
			return c.stop(ctx, websocket.StatusGoingAway, "session closed")
		case env := <-c.sess.Send:
			if err := c.write(ctx, env); err != nil {
				c.g.log.Info("ws.write.fail", "session_id", c.sess.ID, "close_status", websocket.CloseStatus(err), "err", err)
				return c.stop(ctx, websocket.StatusAbnormalClosure, "write failed")
			}
		}
	}
}

func (c *wsConn) write(ctx context.Context, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.g.cfg.WriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

func (c *wsConn) heartbeat(ctx context.Context) error {
	t := time.NewTicker(c.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		pctx, cancel := context.WithTimeout(ctx, c.g.cfg.HeartbeatTimeout)
		err := c.conn.Ping(pctx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		c.g.log.Info("ws.ping.fail", "session_id", c.sess.ID, "failures", failures, "err", err)
		if failures >= maxPingFailures {
			return c.stop(ctx, websocket.StatusGoingAway, "heartbeat failed")
		}
	}
}

// reply echoes the request id so clients can correlate acks and errors.
func (c *wsConn) reply(requestID, typ string, payload any) bool {
	env, ok := c.envelope(requestID, typ, payload)
	return ok && c.sess.enqueue(env) == delivered
}

// fail writes an error frame straight to the socket, bypassing the send
// queue that Disconnect is about to close, then closes with code.
func (c *wsConn) fail(ctx context.Context, requestID, errCode, msg string, code websocket.StatusCode) error {
	if env, ok := c.envelope(requestID, v1.TypeError, v1.ErrorPayload{Code: errCode, Message: msg}); ok {
		if err := c.write(ctx, env); err != nil {
			c.g.log.Info("ws.write.fail", "session_id", c.sess.ID, "err", err)
		}
	}
	return c.stop(ctx, code, errCode)
}

func (c *wsConn) envelope(requestID, typ string, payload any) (v1.Envelope, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return v1.Envelope{}, false
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: requestID, TS: time.Now().UTC(), Payload: raw}
	if env.ID == "" {
		env.ID = NewEnvelopeID(env.TS)
	}
	return env, true
}

func (c *wsConn) sendError(requestID, code, msg string) {
	_ = c.reply(requestID, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// readCloseStatus maps a read failure to the close frame sent back.
func readCloseStatus(err error) (websocket.StatusCode, string) {
	switch {
	case websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure, "peer closed"
	case errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusNormalClosure, "idle timeout"
	case errors.Is(err, context.Canceled):
		return websocket.StatusNormalClosure, "context done"
	default:
		return websocket.StatusAbnormalClosure, "read failed"
	}
}
