package profile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"pipemesh/pkg/api"
	"pipemesh/pkg/crypto/suite"
	"pipemesh/pkg/handshake"
	"pipemesh/pkg/session"
)

// HandshakeError reports a failed key exchange. Stage names the step that
// failed.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string { return fmt.Sprintf("handshake %s: %v", e.Stage, e.Err) }
func (e *HandshakeError) Unwrap() error { return e.Err }

// Connect keys the channel and checks in. With encrypted exchange enabled it
// runs the RSA staging handshake first; otherwise the pre-shared key is used
// as is. It then sends checkin and waits for exactly one response, returning
// onResponse's verdict. Any failure leaves the session Disconnected.
func (p *Profile) Connect(ctx context.Context, checkin api.Message, onResponse func(*api.MessageResponse) bool) (bool, error) {
	if err := p.Start(); err != nil {
		return false, err
	}
	if p.cfg.EncryptedExchangeCheck {
		if err := p.handshake(ctx); err != nil {
			p.sess.Reset()
			return false, err
		}
	} else {
		p.sess.EstablishDefault()
	}

	if err := p.send(checkin); err != nil {
		p.sess.Reset()
		return false, fmt.Errorf("send checkin: %w", err)
	}
	m, err := p.in.Recv(ctx, api.TypeMessageResponse)
	if err != nil {
		p.sess.Reset()
		return false, fmt.Errorf("await checkin response: %w", err)
	}
	resp := m.(*api.MessageResponse)
	if len(resp.ID) == session.IDLen {
		p.sess.SetID(resp.ID)
	} else if resp.ID != "" {
		zap.L().Warn("ignoring malformed callback id", zap.String("id", resp.ID))
	}
	p.checkedIn.Store(true)
	zap.L().Info("checked in", zap.String("id", p.sess.ID()), zap.String("status", resp.Status))
	if onResponse == nil {
		return true, nil
	}
	return onResponse(resp), nil
}

// handshake performs the staging exchange. It blocks in exactly one Recv.
func (p *Profile) handshake(ctx context.Context) error {
	p.sess.BeginHandshake()
	key, err := handshake.NewStagingKey(p.cfg.RSABits)
	if err != nil {
		return &HandshakeError{Stage: "keygen", Err: err}
	}
	req, err := key.Request()
	if err != nil {
		return &HandshakeError{Stage: "request", Err: err}
	}
	if err := p.send(req); err != nil {
		return &HandshakeError{Stage: "send", Err: err}
	}
	m, err := p.in.Recv(ctx, api.TypeStagingResponse)
	if err != nil {
		return &HandshakeError{Stage: "receive", Err: err}
	}
	sk, id, err := key.Complete(m.(*api.EKEHandshakeResponse))
	if err != nil {
		return &HandshakeError{Stage: "decrypt", Err: err}
	}
	if len(id) != session.IDLen {
		return &HandshakeError{Stage: "decrypt", Err: fmt.Errorf("%w: assigned id %q", handshake.ErrMalformed, id)}
	}
	c, err := suite.New(p.cfg.Suite, sk)
	if err != nil {
		return &HandshakeError{Stage: "install", Err: err}
	}
	p.sess.Establish(id, c)
	zap.L().Info("handshake established", zap.String("id", id), zap.String("cipher", string(c.Name())))
	return nil
}
