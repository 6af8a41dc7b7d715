package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/cipherlink/relay/internal/account"
	"github.com/cipherlink/relay/internal/dispatch"
	"github.com/cipherlink/relay/internal/envelope"
	"github.com/cipherlink/relay/internal/invite"
	"github.com/cipherlink/relay/internal/metrics"
	"github.com/cipherlink/relay/internal/presence"
	"github.com/cipherlink/relay/internal/pubsub"
	"github.com/cipherlink/relay/internal/queue"
	"github.com/cipherlink/relay/internal/ratelimit"
	"github.com/cipherlink/relay/internal/registry"
	"github.com/cipherlink/relay/internal/safety"
)

func newTestServer(t *testing.T) (*httptest.Server, *account.MemoryStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New()
	accounts := account.NewMemory()
	d := dispatch.New(dispatch.Config{
		InstanceID:     "inst-test",
		Registry:       reg,
		Presence:       presence.New(rdb, time.Hour),
		Queue:          queue.New(rdb, 30*time.Minute, 100),
		Bus:            pubsub.New(rdb, nil),
		Limiter:        ratelimit.NewSessionBuckets(ratelimit.RealClock{}, 1000, 1000),
		Metrics:        metrics.New(),
		MaxPayloadSize: 5 << 20,
	})

	srv := NewServer(Config{
		Dispatcher:  d,
		Registry:    reg,
		Accounts:    accounts,
		Invites:     invite.New(rdb, 24*time.Hour),
		Safety:      safety.New(nil),
		SyncCodeTTL: 5 * time.Minute,
	})
	t.Cleanup(srv.Close)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, accounts
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialClient(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(c.t, err)
		raw = b
	}
	require.NoError(c.t, c.conn.WriteJSON(frame{Event: event, Data: raw}))
}

// expect reads frames until it sees the wanted event, failing on error_msg
// and on timeout.
func (c *wsClient) expect(event string) json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f), "waiting for %s", event)
		if f.Event == event {
			return f.Data
		}
		if f.Event == EventErrorMsg {
			c.t.Fatalf("got error_msg %s while waiting for %s", f.Data, event)
		}
	}
}

func (c *wsClient) expectError(kind dispatch.Kind) {
	c.t.Helper()
	data := c.expect(EventErrorMsg)
	var em errorMsg
	require.NoError(c.t, json.Unmarshal(data, &em))
	require.Equal(c.t, string(kind), em.Kind)
}

func (c *wsClient) register(identity string) {
	c.t.Helper()
	c.send(EventRegisterMaster, registerMasterRequest{Identity: identity})
	data := c.expect(EventRegistered)
	var reg registered
	require.NoError(c.t, json.Unmarshal(data, &reg))
	require.Equal(c.t, "master", reg.Type)
	require.Equal(c.t, identity, reg.Identity)
}

func TestOnlineDirectRelay(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dialClient(t, ts)
	b := dialClient(t, ts)
	a.register("u1")
	b.register("u2")

	a.send(EventRelay, relayRequest{MsgID: "m1", To: "u2", Payload: json.RawMessage(`"hi"`)})

	var st dispatchStatus
	require.NoError(t, json.Unmarshal(a.expect(EventDispatchStatus), &st))
	require.Equal(t, dispatchStatus{To: "u2", MsgID: "m1", Status: "delivered"}, st)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(b.expect(dispatch.EventRelayPush), &env))
	require.Equal(t, "m1", env.MsgID)
	require.Equal(t, "u1", env.From)
	require.Equal(t, "u2", env.To)
	require.Equal(t, envelope.KindDirect, env.Kind)
	require.JSONEq(t, `"hi"`, string(env.Payload.Raw()))
}

func TestOfflineQueueAndFlush(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dialClient(t, ts)
	a.register("u1")

	a.send(EventRelay, relayRequest{MsgID: "m2", To: "u2", Payload: json.RawMessage(`"later"`)})
	var st dispatchStatus
	require.NoError(t, json.Unmarshal(a.expect(EventDispatchStatus), &st))
	require.Equal(t, "queued", st.Status)

	b := dialClient(t, ts)
	b.register("u2")

	var envs []envelope.Envelope
	require.NoError(t, json.Unmarshal(b.expect(dispatch.EventQueueFlush), &envs))
	require.Len(t, envs, 1)
	require.Equal(t, "m2", envs[0].MsgID)
	require.Equal(t, "u1", envs[0].From)
}

func TestRegisterMasterCreatesAccount(t *testing.T) {
	ts, accounts := newTestServer(t)

	a := dialClient(t, ts)
	a.send(EventRegisterMaster, registerMasterRequest{
		Username:  "alice",
		Salt:      "c2FsdA==",
		KDFParams: json.RawMessage(`{"n":16384}`),
		PublicKey: "pk1",
	})
	var reg registered
	require.NoError(t, json.Unmarshal(a.expect(EventRegistered), &reg))
	require.NotEmpty(t, reg.Identity)

	rec, err := accounts.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, reg.Identity, rec.Identity)

	// Salt is retrievable before authenticating.
	b := dialClient(t, ts)
	b.send(EventGetSalt, getSaltRequest{Username: "alice"})
	var sf saltFound
	require.NoError(t, json.Unmarshal(b.expect(EventSaltFound), &sf))
	require.Equal(t, reg.Identity, sf.Identity)
	require.Equal(t, "c2FsdA==", sf.Salt)

	b.send(EventGetSalt, getSaltRequest{Username: "nobody"})
	b.expect(EventSaltNotFound)
}

func TestRegisterMasterUsernameTaken(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dialClient(t, ts)
	a.send(EventRegisterMaster, registerMasterRequest{Username: "alice", Salt: "s1"})
	a.expect(EventRegistered)

	b := dialClient(t, ts)
	b.send(EventRegisterMaster, registerMasterRequest{Identity: "other-id", Username: "alice"})
	b.expectError(dispatch.KindUsernameTaken)
}

func TestInvitePairingAndEcho(t *testing.T) {
	ts, _ := newTestServer(t)

	primary := dialClient(t, ts)
	primary.send(EventRegisterMaster, registerMasterRequest{Username: "alice", Salt: "s1"})
	var reg registered
	require.NoError(t, json.Unmarshal(primary.expect(EventRegistered), &reg))

	primary.send(EventCreateInviteCode, nil)
	var created inviteCodeCreated
	require.NoError(t, json.Unmarshal(primary.expect(EventInviteCodeCreated), &created))
	require.Len(t, created.Code, 6)
	require.Equal(t, strings.ToUpper(created.Code), created.Code)

	// resolve_invite_code joins the account store.
	outsider := dialClient(t, ts)
	outsider.send(EventResolveInviteCode, codeRequest{Code: created.Code})
	var resolved inviteResolved
	require.NoError(t, json.Unmarshal(outsider.expect(EventInviteResolved), &resolved))
	require.Equal(t, reg.Identity, resolved.Identity)
	require.Equal(t, "alice", resolved.Username)
	require.Equal(t, "s1", resolved.Salt)

	outsider.send(EventResolveInviteCode, codeRequest{Code: "000000"})
	outsider.expect(EventInviteCodeError)

	// link_pc binds the secondary to the same identity.
	secondary := dialClient(t, ts)
	secondary.send(EventLinkPC, codeRequest{Code: created.Code})
	var slaveReg registered
	require.NoError(t, json.Unmarshal(secondary.expect(EventRegistered), &slaveReg))
	require.Equal(t, "slave", slaveReg.Type)
	require.Equal(t, reg.Identity, slaveReg.Identity)

	recipient := dialClient(t, ts)
	recipient.register("u2")

	primary.send(EventRelay, relayRequest{MsgID: "m1", To: "u2", Payload: json.RawMessage(`"hi"`)})
	primary.expect(EventDispatchStatus)

	var echo envelope.Envelope
	require.NoError(t, json.Unmarshal(secondary.expect(dispatch.EventRelayPush), &echo))
	require.Equal(t, envelope.KindEcho, echo.Kind)
	require.Equal(t, "u2", echo.To)

	var direct envelope.Envelope
	require.NoError(t, json.Unmarshal(recipient.expect(dispatch.EventRelayPush), &direct))
	require.Equal(t, envelope.KindDirect, direct.Kind)
}

func TestLinkPCUnknownCode(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dialClient(t, ts)
	c.send(EventLinkPC, codeRequest{Code: "ABCDEF"})
	c.expectError(dispatch.KindInvalidOrExpired)
}

func TestMsgAckForwarded(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dialClient(t, ts)
	b := dialClient(t, ts)
	a.register("u1")
	b.register("u2")

	b.send(EventMsgAck, ackRequest{To: "u1", MsgID: "m1"})

	var ack dispatch.AckPush
	require.NoError(t, json.Unmarshal(a.expect(dispatch.EventMsgAckPush), &ack))
	require.Equal(t, "u2", ack.From)
	require.Equal(t, "m1", ack.MsgID)
}

func TestGetPresence(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dialClient(t, ts)
	a.register("u1")

	a.send(EventGetPresence, presenceRequest{Identity: "u1"})
	var pu presenceUpdate
	require.NoError(t, json.Unmarshal(a.expect(EventPresenceUpdate), &pu))
	require.Equal(t, presenceUpdate{Identity: "u1", Status: "online"}, pu)

	a.send(EventGetPresence, presenceRequest{Identity: "nobody"})
	require.NoError(t, json.Unmarshal(a.expect(EventPresenceUpdate), &pu))
	require.Equal(t, "offline", pu.Status)
}

func TestBlockAndReport(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dialClient(t, ts)
	a.register("u1")

	a.send(EventBlockUser, targetRequest{Target: "u2"})
	a.expect(EventBlocked)

	a.send(EventReportUser, targetRequest{Target: "u2", Reason: "spam"})
	a.expect(EventReported)
}

func TestUnregisteredRelayRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dialClient(t, ts)
	c.send(EventRelay, relayRequest{MsgID: "m1", To: "u2", Payload: json.RawMessage(`"hi"`)})
	c.expectError(dispatch.KindUnauthenticated)
}

func TestMalformedEvents(t *testing.T) {
	ts, _ := newTestServer(t)
	c := dialClient(t, ts)

	c.send("no_such_event", nil)
	c.expectError(dispatch.KindInvalidArgument)

	c.register("u1")
	c.send(EventRelay, relayRequest{MsgID: "m1", To: "", Payload: json.RawMessage(`"hi"`)})
	c.expectError(dispatch.KindInvalidArgument)

	// json.Marshal refuses an invalid RawMessage, so write the frame bytes
	// directly to get the malformed payload onto the wire.
	malformed := []byte(`{"event":"relay","data":{"msg_id":"m1","to":"u2","payload":{invalid}}`)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, malformed))
	c.expectError(dispatch.KindInvalidArgument)
}

func TestDisconnectGoesOffline(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dialClient(t, ts)
	a.register("u1")
	a.send(EventDisconnect, nil)

	b := dialClient(t, ts)
	b.register("u2")

	// Disconnect handling runs after the server's read loop exits; poll
	// briefly instead of assuming it already happened.
	var status string
	for i := 0; i < 40; i++ {
		b.send(EventGetPresence, presenceRequest{Identity: "u1"})
		var pu presenceUpdate
		require.NoError(t, json.Unmarshal(b.expect(EventPresenceUpdate), &pu))
		status = pu.Status
		if status == "offline" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Equal(t, "offline", status)
}

func TestBinaryPayloadRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	a := dialClient(t, ts)
	b := dialClient(t, ts)
	a.register("u1")
	b.register("u2")

	a.send(EventRelay, relayRequest{
		MsgID:   "m1",
		To:      "u2",
		Payload: json.RawMessage(`{"$bin":"AAECAwQ="}`),
	})
	a.expect(EventDispatchStatus)

	var env envelope.Envelope
	require.NoError(t, json.Unmarshal(b.expect(dispatch.EventRelayPush), &env))
	require.True(t, env.Payload.IsBinary())
	require.Equal(t, []byte{0, 1, 2, 3, 4}, env.Payload.Bytes())
}
