// Command ws-smoke drives a running bloks server through one presence cycle.
//
// Two sockets are opened for the same user. Both join -doc, the first must
// then see a single presence entry with two sessions; the second leaves and
// the first must see the count drop to one while the second hears nothing.
//
// The bearer token comes from -token, or is signed locally for -user when
// BLOKS_PASETO_V4_SECRET_KEY_HEX is set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"bloks/cmd/security/auth"
	v1 "bloks/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type options struct {
	url, origin, doc string
	bearer           string
	step             time.Duration
	verbose          bool
}

func main() {
	var o options
	var tok, user, email string
	flag.StringVar(&o.url, "url", "ws://127.0.0.1:8080/ws", "websocket endpoint")
	flag.StringVar(&o.origin, "origin", "http://localhost:3000", "Origin header; empty to omit")
	flag.StringVar(&o.doc, "doc", "", "document to join; the user must own or collaborate on it")
	flag.StringVar(&tok, "token", "", "bearer access token")
	flag.StringVar(&user, "user", "", "user id to sign a local token for when -token is empty")
	flag.StringVar(&email, "email", "", "email claim of a locally signed token")
	flag.DurationVar(&o.step, "timeout", 7*time.Second, "deadline of each step")
	flag.BoolVar(&o.verbose, "v", false, "log every step")
	flag.Parse()

	var err error
	if o.bearer, err = bearerToken(tok, user, email); err == nil {
		err = run(context.Background(), o)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	if err := checkURL(o.url, "ws", "wss"); err != nil {
		return fmt.Errorf("-url: %w", err)
	}
	if o.origin != "" {
		if err := checkURL(o.origin, "http", "https"); err != nil {
			return fmt.Errorf("-origin: %w", err)
		}
	}
	if strings.TrimSpace(o.doc) == "" {
		return errors.New("-doc is required")
	}

	a, err := dial(ctx, "A", o)
	if err != nil {
		return err
	}
	defer a.close()
	b, err := dial(ctx, "B", o)
	if err != nil {
		return err
	}
	defer b.close()
	o.logf("sessions A=%s B=%s user=%s", a.sessionID, b.sessionID, a.userID)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"A joins", func() error { return a.join(ctx, o.doc) }},
		{"B joins", func() error { return b.join(ctx, o.doc) }},
		{"A sees 2 sessions", func() error { return a.awaitSessions(ctx, o.doc, 2) }},
		{"B leaves", func() error { return b.leave(ctx, o.doc) }},
		{"A sees 1 session", func() error { return a.awaitSessions(ctx, o.doc, 1) }},
		{"B hears nothing", func() error { return b.expectQuiet(ctx, v1.TypePresenceUpdate, 1200*time.Millisecond) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		o.logf("ok: %s", s.name)
	}

	fmt.Printf("OK: A=%s B=%s user=%s document=%s\n", a.sessionID, b.sessionID, a.userID, o.doc)
	return nil
}

func (o options) logf(format string, args ...any) {
	if o.verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func bearerToken(tok, user, email string) (string, error) {
	if tok = strings.TrimSpace(tok); tok != "" {
		return tok, nil
	}
	if strings.TrimSpace(user) == "" {
		return "", errors.New("pass -token, or -user with BLOKS_PASETO_V4_SECRET_KEY_HEX set")
	}
	cfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return "", err
	}
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return "", err
	}
	signed, _, err := v.Issue(user, email, time.Now())
	return signed, err
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("scheme %q not in %v", u.Scheme, schemes)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// frame is one decoded server message, or the error that ended the stream.
type frame struct {
	env v1.Envelope
	err error
}

type client struct {
	name      string
	conn      *websocket.Conn
	step      time.Duration
	frames    chan frame
	sessionID string
	userID    string
}

func dial(ctx context.Context, name string, o options) (*client, error) {
	dctx, cancel := context.WithTimeout(ctx, o.step)
	defer cancel()

	h := http.Header{"Authorization": {"Bearer " + o.bearer}}
	if o.origin != "" {
		h.Set("Origin", o.origin)
	}
	conn, resp, err := websocket.Dial(dctx, o.url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol")
		return nil, fmt.Errorf("dial %s: subprotocol %q", name, sp)
	}

	c := &client{name: name, conn: conn, step: o.step, frames: make(chan frame, 256)}
	go c.pump()

	if err := c.send(ctx, v1.TypeHello, v1.HelloPayload{}); err != nil {
		c.close()
		return nil, err
	}
	var ack v1.HelloAckPayload
	if err := c.await(ctx, v1.TypeHelloAck, &ack); err != nil {
		c.close()
		return nil, err
	}
	if ack.SessionID == "" {
		c.close()
		return nil, fmt.Errorf("%s: hello_ack without session id", name)
	}
	c.sessionID, c.userID = ack.SessionID, ack.UserID
	return c, nil
}

func (c *client) close() { _ = c.conn.Close(websocket.StatusNormalClosure, "bye") }

// pump decodes frames until the socket fails. The final frame carries the error.
func (c *client) pump() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.Read(context.Background())
		var f frame
		if err == nil {
			if err = json.Unmarshal(data, &f.env); err == nil {
				err = f.env.Validate()
			}
		}
		if err != nil {
			c.frames <- frame{err: err}
			return
		}
		c.frames <- f
	}
}

func (c *client) send(ctx context.Context, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      c.name + "-" + typ,
		TS:      time.Now().UTC(),
		Payload: raw,
	})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.step)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

// next returns the next envelope, failing on server errors and closed sockets.
func (c *client) next(ctx context.Context) (v1.Envelope, error) {
	select {
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	case f, ok := <-c.frames:
		switch {
		case !ok:
			return v1.Envelope{}, fmt.Errorf("%s: connection closed", c.name)
		case f.err != nil:
			return v1.Envelope{}, fmt.Errorf("%s: %w", c.name, f.err)
		case f.env.Type == v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(f.env.Payload, &ep)
			return v1.Envelope{}, fmt.Errorf("%s: server error %s: %s", c.name, ep.Code, ep.Message)
		}
		return f.env, nil
	}
}

// await reads until typ arrives, skipping presence updates, and decodes it into out.
func (c *client) await(ctx context.Context, typ string, out any) error {
	actx, cancel := context.WithTimeout(ctx, c.step)
	defer cancel()
	for {
		env, err := c.next(actx)
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", typ, err)
		}
		if env.Type == typ {
			return json.Unmarshal(env.Payload, out)
		}
		if env.Type != v1.TypePresenceUpdate {
			return fmt.Errorf("%s: got %s while waiting for %s", c.name, env.Type, typ)
		}
	}
}

func (c *client) join(ctx context.Context, doc string) error {
	if err := c.send(ctx, v1.TypeJoinDocument, v1.DocumentRoomPayload{DocumentID: doc, UserID: c.userID}); err != nil {
		return err
	}
	var ack v1.JoinDocumentAckPayload
	if err := c.await(ctx, v1.TypeJoinDocumentAck, &ack); err != nil {
		return err
	}
	if ack.DocumentID != doc {
		return fmt.Errorf("ack for %q, want %q", ack.DocumentID, doc)
	}
	if !slices.ContainsFunc(ack.Members, func(m v1.Member) bool { return m.SessionID == c.sessionID }) {
		return errors.New("ack members omit own session")
	}
	return nil
}

func (c *client) leave(ctx context.Context, doc string) error {
	if err := c.send(ctx, v1.TypeLeaveDocument, v1.DocumentRoomPayload{DocumentID: doc, UserID: c.userID}); err != nil {
		return err
	}
	var ack v1.LeaveDocumentAckPayload
	if err := c.await(ctx, v1.TypeLeaveDocumentAck, &ack); err != nil {
		return err
	}
	if ack.DocumentID != doc || !ack.WasMember {
		return fmt.Errorf("unexpected ack %+v", ack)
	}
	return nil
}

// awaitSessions waits for a presence update listing only this user with n sessions.
func (c *client) awaitSessions(ctx context.Context, doc string, n int) error {
	actx, cancel := context.WithTimeout(ctx, c.step)
	defer cancel()
	for {
		env, err := c.next(actx)
		if err != nil {
			return err
		}
		if env.Type != v1.TypePresenceUpdate {
			continue
		}
		var p v1.PresenceUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if p.DocumentID != doc {
			return fmt.Errorf("presence for %q, want %q", p.DocumentID, doc)
		}
		if len(p.Users) == 1 && p.Users[0].UserID == c.userID && p.Users[0].Sessions == n {
			return nil
		}
	}
}

// expectQuiet fails if typ arrives within wait.
func (c *client) expectQuiet(ctx context.Context, typ string, wait time.Duration) error {
	qctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		env, err := c.next(qctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			return err
		}
		if env.Type == typ {
			return fmt.Errorf("unexpected %s", typ)
		}
	}
}
