package transport

import "encoding/json"

// Client -> server events.
const (
	EventGetSalt           = "get_salt"
	EventRegisterMaster    = "register_master"
	EventCreateInviteCode  = "create_invite_code"
	EventResolveInviteCode = "resolve_invite_code"
	EventLinkPC            = "link_pc"
	EventRelay             = "relay"
	EventMsgAck            = "msg_ack"
	EventGetPresence       = "get_presence"
	EventBlockUser         = "block_user"
	EventReportUser        = "report_user"
	EventDisconnect        = "disconnect"
)

// Server -> client events.
const (
	EventSaltFound         = "salt_found"
	EventSaltNotFound      = "salt_not_found"
	EventRegistered        = "registered"
	EventInviteCodeCreated = "invite_code_created"
	EventInviteCodeError   = "invite_code_error"
	EventInviteResolved    = "invite_code_resolved"
	EventDispatchStatus    = "dispatch_status"
	EventPresenceUpdate    = "presence_update"
	EventBlocked           = "blocked"
	EventReported          = "reported"
	EventErrorMsg          = "error_msg"
)

// frame is the wire framing: one JSON event per WebSocket message.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type getSaltRequest struct {
	Username string `json:"username"`
}

type registerMasterRequest struct {
	Identity  string          `json:"identity"`
	Username  string          `json:"username,omitempty"`
	Salt      string          `json:"salt,omitempty"`
	KDFParams json.RawMessage `json:"kdf_params,omitempty"`
	PublicKey string          `json:"public_key,omitempty"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type relayRequest struct {
	MsgID   string          `json:"msg_id"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

type ackRequest struct {
	To    string `json:"to"`
	MsgID string `json:"msg_id"`
}

type presenceRequest struct {
	Identity string `json:"identity"`
}

type targetRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

type saltFound struct {
	Identity  string          `json:"identity"`
	Salt      string          `json:"salt"`
	KDFParams json.RawMessage `json:"kdf_params,omitempty"`
	PublicKey string          `json:"public_key,omitempty"`
}

type registered struct {
	Type     string `json:"type"` // "master" or "slave"
	Identity string `json:"identity"`
}

type inviteCodeCreated struct {
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds
}

type inviteCodeError struct {
	Message string `json:"message"`
}

type inviteResolved struct {
	Identity  string          `json:"identity"`
	Username  string          `json:"username"`
	Salt      string          `json:"salt,omitempty"`
	KDFParams json.RawMessage `json:"kdf_params,omitempty"`
}

type dispatchStatus struct {
	To     string `json:"to"`
	MsgID  string `json:"msg_id"`
	Status string `json:"status"` // delivered, queued, dropped
}

type presenceUpdate struct {
	Identity string `json:"identity"`
	Status   string `json:"status"` // online, offline
}

type errorMsg struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
