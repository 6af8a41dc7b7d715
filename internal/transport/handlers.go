package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cipherlink/relay/internal/account"
	"github.com/cipherlink/relay/internal/dispatch"
	"github.com/cipherlink/relay/internal/envelope"
	"github.com/cipherlink/relay/internal/invite"
)

func (s *Server) handleGetSalt(ctx context.Context, sess *Session, data json.RawMessage) error {
	var req getSaltRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Username == "" {
		return dispatch.E(dispatch.KindInvalidArgument, "get_salt requires a username")
	}

	rec, err := s.accounts.GetByUsername(ctx, req.Username)
	if errors.Is(err, account.ErrNotFound) {
		return sess.Emit(EventSaltNotFound, nil)
	}
	if err != nil {
		return dispatch.E(dispatch.KindKVUnavailable, "account lookup failed")
	}

	return sess.Emit(EventSaltFound, saltFound{
		Identity:  rec.Identity,
		Salt:      rec.Salt,
		KDFParams: rec.KDFParams,
		PublicKey: rec.PublicKey,
	})
}

// handleRegisterMaster binds the session to an identity as the primary
// device. First-time registrations carry a username plus client KDF material
// and create the account record; returning clients send just their identity.
func (s *Server) handleRegisterMaster(ctx context.Context, sess *Session, data json.RawMessage) error {
	var req registerMasterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return dispatch.E(dispatch.KindInvalidArgument, "malformed register_master")
	}
	if req.Identity == "" && req.Username == "" {
		return dispatch.E(dispatch.KindInvalidArgument, "register_master requires an identity or a username")
	}

	identity := req.Identity
	if req.Username != "" {
		existing, err := s.accounts.GetByUsername(ctx, req.Username)
		switch {
		case err == nil:
			if identity != "" && identity != existing.Identity {
				return dispatch.E(dispatch.KindUsernameTaken, "username is bound to another identity")
			}
			identity = existing.Identity
		case errors.Is(err, account.ErrNotFound):
			if identity == "" {
				identity = uuid.NewString()
			}
			createErr := s.accounts.Create(ctx, account.Record{
				Identity:  identity,
				Username:  req.Username,
				Salt:      req.Salt,
				KDFParams: req.KDFParams,
				PublicKey: req.PublicKey,
			})
			if errors.Is(createErr, account.ErrUsernameTaken) {
				return dispatch.E(dispatch.KindUsernameTaken, "username already registered")
			}
			if createErr != nil {
				return dispatch.E(dispatch.KindKVUnavailable, "account create failed")
			}
		default:
			return dispatch.E(dispatch.KindKVUnavailable, "account lookup failed")
		}
	}

	s.reg.Bind(sess.ID(), identity, sess)
	if err := sess.Emit(EventRegistered, registered{Type: "master", Identity: identity}); err != nil {
		return err
	}
	return s.dispatcher.HandleRegister(ctx, sess.ID(), identity)
}

func (s *Server) handleCreateInviteCode(ctx context.Context, sess *Session, _ json.RawMessage) error {
	identity, ok := s.reg.IdentityOf(sess.ID())
	if !ok {
		return dispatch.E(dispatch.KindUnauthenticated, "session is not registered")
	}

	username := ""
	if rec, err := s.accounts.GetByIdentity(ctx, identity); err == nil {
		username = rec.Username
	}

	code, expiresAt, err := s.invites.Create(ctx, identity, username)
	if err != nil {
		return dispatch.E(dispatch.KindKVUnavailable, "invite create failed")
	}
	return sess.Emit(EventInviteCodeCreated, inviteCodeCreated{
		Code:      code,
		ExpiresAt: expiresAt.UnixMilli(),
	})
}

func (s *Server) handleResolveInviteCode(ctx context.Context, sess *Session, data json.RawMessage) error {
	var req codeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Code == "" {
		return dispatch.E(dispatch.KindInvalidArgument, "resolve_invite_code requires a code")
	}

	rec, err := s.invites.Resolve(ctx, req.Code)
	if errors.Is(err, invite.ErrInvalidOrExpired) {
		return sess.Emit(EventInviteCodeError, inviteCodeError{Message: "invite code invalid or expired"})
	}
	if err != nil {
		return dispatch.E(dispatch.KindKVUnavailable, "invite resolve failed")
	}

	resolved := inviteResolved{Identity: rec.Identity, Username: rec.Username}
	if acct, err := s.accounts.GetByIdentity(ctx, rec.Identity); err == nil {
		resolved.Salt = acct.Salt
		resolved.KDFParams = acct.KDFParams
	}
	return sess.Emit(EventInviteResolved, resolved)
}

// handleLinkPC joins this session to an existing identity's device group.
// Resolvable invites live a day, but pairing demands a fresh code.
func (s *Server) handleLinkPC(ctx context.Context, sess *Session, data json.RawMessage) error {
	var req codeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Code == "" {
		return dispatch.E(dispatch.KindInvalidArgument, "link_pc requires a code")
	}

	rec, err := s.invites.Resolve(ctx, req.Code)
	if errors.Is(err, invite.ErrInvalidOrExpired) {
		return dispatch.E(dispatch.KindInvalidOrExpired, "invite code invalid or expired")
	}
	if err != nil {
		return dispatch.E(dispatch.KindKVUnavailable, "invite resolve failed")
	}
	if !rec.FreshWithin(s.syncCodeTTL, time.Now()) {
		return dispatch.E(dispatch.KindInvalidOrExpired, "invite code too old for pairing")
	}

	s.reg.Bind(sess.ID(), rec.Identity, sess)
	if err := sess.Emit(EventRegistered, registered{Type: "slave", Identity: rec.Identity}); err != nil {
		return err
	}
	return s.dispatcher.HandleRegister(ctx, sess.ID(), rec.Identity)
}

func (s *Server) handleRelay(ctx context.Context, sess *Session, data json.RawMessage) error {
	var req relayRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return dispatch.E(dispatch.KindInvalidArgument, "malformed relay")
	}
	if req.To == "" || len(req.Payload) == 0 {
		return dispatch.E(dispatch.KindInvalidArgument, "relay requires to and payload")
	}

	var payload envelope.Payload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.IsZero() {
		return dispatch.E(dispatch.KindInvalidArgument, "malformed payload")
	}

	status, err := s.dispatcher.Relay(ctx, sess.ID(), req.To, req.MsgID, payload)
	if err != nil {
		return err
	}
	return sess.Emit(EventDispatchStatus, dispatchStatus{
		To:     req.To,
		MsgID:  req.MsgID,
		Status: string(status),
	})
}

func (s *Server) handleMsgAck(ctx context.Context, sess *Session, data json.RawMessage) error {
	var req ackRequest
	if err := json.Unmarshal(data, &req); err != nil || req.To == "" || req.MsgID == "" {
		return dispatch.E(dispatch.KindInvalidArgument, "msg_ack requires to and msg_id")
	}
	return s.dispatcher.Ack(ctx, sess.ID(), req.To, req.MsgID)
}

func (s *Server) handleGetPresence(ctx context.Context, sess *Session, data json.RawMessage) error {
	var req presenceRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Identity == "" {
		return dispatch.E(dispatch.KindInvalidArgument, "get_presence requires an identity")
	}

	online, err := s.dispatcher.IsOnline(ctx, req.Identity)
	if err != nil {
		return err
	}
	status := "offline"
	if online {
		status = "online"
	}
	return sess.Emit(EventPresenceUpdate, presenceUpdate{Identity: req.Identity, Status: status})
}

func (s *Server) handleBlockUser(ctx context.Context, sess *Session, data json.RawMessage) error {
	identity, ok := s.reg.IdentityOf(sess.ID())
	if !ok {
		return dispatch.E(dispatch.KindUnauthenticated, "session is not registered")
	}
	var req targetRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Target == "" {
		return dispatch.E(dispatch.KindInvalidArgument, "block_user requires a target")
	}
	s.safety.Block(ctx, identity, req.Target)
	return sess.Emit(EventBlocked, nil)
}

func (s *Server) handleReportUser(ctx context.Context, sess *Session, data json.RawMessage) error {
	identity, ok := s.reg.IdentityOf(sess.ID())
	if !ok {
		return dispatch.E(dispatch.KindUnauthenticated, "session is not registered")
	}
	var req targetRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Target == "" {
		return dispatch.E(dispatch.KindInvalidArgument, "report_user requires a target")
	}
	s.safety.Report(ctx, identity, req.Target, req.Reason)
	return sess.Emit(EventReported, nil)
}
