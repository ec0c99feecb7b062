package yatego

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/icholy/digest"

	"github.com/yatego/yatego/ymsg"
)

// AuthDecision is an authenticator's verdict on one user.auth request.
type AuthDecision int

const (
	// AuthReject denies the request.
	AuthReject AuthDecision = iota
	// AuthAccept allows the request.
	AuthAccept
	// AuthAsync defers the verdict to AuthRequest.Done, bounded by the
	// session's authenticate timeout.
	AuthAsync
)

// Authenticator is the host-supplied policy for user.auth requests.
type Authenticator interface {
	Authenticate(req *AuthRequest) AuthDecision
}

// AuthenticatorFunc adapts a plain function to the Authenticator
// interface.
type AuthenticatorFunc func(req *AuthRequest) AuthDecision

func (f AuthenticatorFunc) Authenticate(req *AuthRequest) AuthDecision {
	return f(req)
}

// AuthRequest carries the digest facts of one user.auth request. Address
// is the caller's IP with any port stripped.
type AuthRequest struct {
	Username  string
	Password  string
	URI       string
	Realm     string
	Nonce     string
	Method    string
	Algorithm string
	Response  string
	Address   string

	e   *Engine
	msg *ymsg.Message

	mu      sync.Mutex
	settled bool
	timer   *time.Timer
}

func newAuthRequest(e *Engine, m *ymsg.Message) *AuthRequest {
	return &AuthRequest{
		Username:  m.Get("username"),
		Password:  m.Get("password"),
		URI:       m.Get("uri"),
		Realm:     m.Get("realm"),
		Nonce:     m.Get("nonce"),
		Method:    m.Get("method"),
		Algorithm: m.Params.GetOr("algorithm", "md5"),
		Response:  m.Get("response"),
		Address:   callerAddress(m),
		e:         e,
		msg:       m,
	}
}

// Done delivers the verdict of an AuthAsync authenticator. Completing a
// request twice, or completing one that already took a synchronous
// decision, is a host bug and is reported through the error event.
func (r *AuthRequest) Done(ok bool) {
	r.finish(ok)
}

// settle wins the race between Done, the synchronous decision and the
// timeout. Only the winner replies.
func (r *AuthRequest) settle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return false
	}
	r.settled = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	return true
}

func (r *AuthRequest) finish(ok bool) {
	if !r.settle() {
		r.e.emitError(fmt.Errorf("auth for %q completed twice", r.Username))
		return
	}
	r.e.replyAuth(r.msg, ok)
}

func (r *AuthRequest) armTimeout(d time.Duration) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.timer = time.AfterFunc(d, func() {
		if !r.settle() {
			return
		}
		r.e.emitError(fmt.Errorf("auth for %q timed out after %s", r.Username, d))
		r.e.replyAuth(r.msg, false)
	})
	r.mu.Unlock()
}

// handleUserAuth answers user.auth per the session policy: the open
// sessions accept everything, otherwise a registered unexpired caller
// placing a call is allowed without a digest check and everything else
// goes through the authenticator.
func (e *Engine) handleUserAuth(m *ymsg.Message) {
	e.mu.Lock()
	allow := e.allowUnregistered
	auth := e.auth
	timeout := e.authTimeout
	e.mu.Unlock()

	if allow {
		e.replyAuth(m, true)
		return
	}
	if auth == nil {
		e.replyAuth(m, false)
		e.emitError(ErrNoAuthenticator)
		return
	}

	if m.Get("newcall") == "true" {
		if u := e.lookupUser(m.Get("username")); u != nil {
			e.replyAuth(m, true)
			return
		}
	}

	req := newAuthRequest(e, m)
	switch auth.Authenticate(req) {
	case AuthAccept:
		req.finish(true)
	case AuthReject:
		req.finish(false)
	case AuthAsync:
		req.armTimeout(timeout)
	default:
		req.finish(false)
	}
}

// replyAuth answers one user.auth. Positive replies carry extras that
// keep the engine's own register modules from also handling the request.
func (e *Engine) replyAuth(m *ymsg.Message, ok bool) {
	if !ok {
		metricAuthRejected.Inc()
		e.reply(m, false)
		return
	}
	metricAuthAccepted.Inc()
	e.reply(m, true,
		ymsg.Param{Key: "auth_register", Value: "false"},
		ymsg.Param{Key: "auth_regfile", Value: "false"},
	)
}

// DigestAuthenticator verifies SIP digest responses against a password
// lookup. Unknown users, missing digest fields and mismatched responses
// are rejected.
type DigestAuthenticator struct {
	Password func(username string) (password string, ok bool)
}

func (a *DigestAuthenticator) Authenticate(req *AuthRequest) AuthDecision {
	if req.Username == "" || req.Nonce == "" || req.Response == "" {
		return AuthReject
	}
	password, ok := a.Password(req.Username)
	if !ok {
		return AuthReject
	}

	chal := digest.Challenge{
		Realm:     req.Realm,
		Nonce:     req.Nonce,
		Algorithm: strings.ToUpper(req.Algorithm),
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   req.Method,
		URI:      req.URI,
		Username: req.Username,
		Password: password,
	})
	if err != nil {
		return AuthReject
	}
	if expected.Response != req.Response {
		return AuthReject
	}
	return AuthAccept
}
