package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breaker-app/breaker/server/go/internal/v1/protocol"
)

// newRelayRoom builds a three-member room with recording reset, ready for
// relay assertions.
func newRelayRoom(t *testing.T, floorTTL time.Duration) (*Room, *MockConnection, *MockConnection, *MockConnection) {
	t.Helper()
	r := NewRoom("r1", 50, floorTTL, nil, nil)
	u1 := newMockConnection("u1", "Alice")
	u2 := newMockConnection("u2", "Bob")
	u3 := newMockConnection("u3", "Carol")
	r.Join(context.Background(), u1)
	r.Join(context.Background(), u2)
	r.Join(context.Background(), u3)
	u1.Reset()
	u2.Reset()
	u3.Reset()
	return r, u1, u2, u3
}

func grantFloorTo(t *testing.T, r *Room, conn *MockConnection, others ...*MockConnection) {
	t.Helper()
	r.RequestFloor(context.Background(), conn)
	require.True(t, r.HasFloor(conn.UserID()))
	conn.Reset()
	for _, other := range others {
		other.Reset()
	}
}

func singleError(t *testing.T, conn *MockConnection) protocol.ErrorPayload {
	t.Helper()
	msgs := conn.MessagesOfType(protocol.TypeError)
	require.Len(t, msgs, 1)
	var p protocol.ErrorPayload
	decodePayload(t, msgs[0], &p)
	return p
}

func TestRelayOffer_RequiresFloor(t *testing.T) {
	r, u1, u2, u3 := newRelayRoom(t, time.Minute)

	r.RelayOffer(context.Background(), u1, protocol.OfferPayload{RoomID: "r1", SDP: "o1"})

	errPayload := singleError(t, u1)
	assert.Equal(t, protocol.CodeWebRTCError, errPayload.Code)
	assert.Equal(t, "floor not held", errPayload.Message)

	assert.Zero(t, u2.FrameCount(), "rejected offer must not be forwarded")
	assert.Zero(t, u3.FrameCount())
}

func TestRelayOffer_BroadcastFromHolder(t *testing.T) {
	r, u1, u2, u3 := newRelayRoom(t, time.Minute)
	grantFloorTo(t, r, u1, u2, u3)

	r.RelayOffer(context.Background(), u1, protocol.OfferPayload{RoomID: "r1", SDP: "o1"})

	assert.Zero(t, u1.FrameCount(), "the sender never hears its own offer")

	for _, conn := range []*MockConnection{u2, u3} {
		offers := conn.MessagesOfType(protocol.TypeOffer)
		require.Len(t, offers, 1)

		var p protocol.OfferPayload
		decodePayload(t, offers[0], &p)
		assert.Equal(t, "r1", p.RoomID)
		assert.Equal(t, "o1", p.SDP)
		assert.Equal(t, "u1", p.FromUserID)
		assert.Empty(t, p.TargetUserID, "addressing never leaks into the forwarded frame")
	}
}

func TestRelayOffer_Targeted(t *testing.T) {
	r, u1, u2, u3 := newRelayRoom(t, time.Minute)
	grantFloorTo(t, r, u1, u2, u3)

	r.RelayOffer(context.Background(), u1, protocol.OfferPayload{RoomID: "r1", SDP: "o1", TargetUserID: "u2"})

	require.Equal(t, 1, u2.CountOfType(protocol.TypeOffer))
	assert.Zero(t, u3.FrameCount())

	var p protocol.OfferPayload
	decodePayload(t, u2.MessagesOfType(protocol.TypeOffer)[0], &p)
	assert.Equal(t, "u1", p.FromUserID)
}

func TestRelayOffer_NonMemberRejected(t *testing.T) {
	r, _, u2, _ := newRelayRoom(t, time.Minute)
	outsider := newMockConnection("u9", "Mallory")

	r.RelayOffer(context.Background(), outsider, protocol.OfferPayload{RoomID: "r1", SDP: "o1"})

	errPayload := singleError(t, outsider)
	assert.Equal(t, protocol.CodeWebRTCError, errPayload.Code)
	assert.Equal(t, "not a member of this room", errPayload.Message)
	assert.Zero(t, u2.FrameCount())
}

func TestRelayOffer_ExpiredGrantRejected(t *testing.T) {
	r, u1, u2, u3 := newRelayRoom(t, 5*time.Millisecond)
	grantFloorTo(t, r, u1, u2, u3)
	time.Sleep(20 * time.Millisecond)

	r.RelayOffer(context.Background(), u1, protocol.OfferPayload{RoomID: "r1", SDP: "o1"})

	errPayload := singleError(t, u1)
	assert.Equal(t, "floor not held", errPayload.Message)
	assert.Zero(t, u2.FrameCount())
}

func TestRelayAnswer_TargetedWithoutFloor(t *testing.T) {
	r, u1, u2, u3 := newRelayRoom(t, time.Minute)

	// Nobody holds the floor; answers still flow.
	r.RelayAnswer(context.Background(), u2, protocol.AnswerPayload{RoomID: "r1", SDP: "a1", TargetUserID: "u1"})

	answers := u1.MessagesOfType(protocol.TypeAnswer)
	require.Len(t, answers, 1)

	var p protocol.AnswerPayload
	decodePayload(t, answers[0], &p)
	assert.Equal(t, "a1", p.SDP)
	assert.Equal(t, "u2", p.FromUserID)
	assert.Empty(t, p.TargetUserID)

	assert.Zero(t, u2.CountOfType(protocol.TypeError))
	assert.Zero(t, u3.FrameCount())
}

func TestRelayAnswer_GoneTargetDropsSilently(t *testing.T) {
	r, u1, u2, u3 := newRelayRoom(t, time.Minute)

	r.RelayAnswer(context.Background(), u2, protocol.AnswerPayload{RoomID: "r1", SDP: "a1", TargetUserID: "u9"})

	// The speaker raced a disconnect: no delivery, no error back.
	assert.Zero(t, u1.FrameCount())
	assert.Zero(t, u2.FrameCount())
	assert.Zero(t, u3.FrameCount())
}

func TestRelayAnswer_NonMemberRejected(t *testing.T) {
	r, u1, _, _ := newRelayRoom(t, time.Minute)
	outsider := newMockConnection("u9", "Mallory")

	r.RelayAnswer(context.Background(), outsider, protocol.AnswerPayload{RoomID: "r1", SDP: "a1", TargetUserID: "u1"})

	errPayload := singleError(t, outsider)
	assert.Equal(t, protocol.CodeWebRTCError, errPayload.Code)
	assert.Zero(t, u1.FrameCount())
}

func TestRelayICE_PreservesCandidateFields(t *testing.T) {
	r, u1, u2, _ := newRelayRoom(t, time.Minute)

	mid := "0"
	idx := uint16(0)
	r.RelayICE(context.Background(), u1, protocol.ICEPayload{
		RoomID:        "r1",
		Candidate:     "candidate:1 1 udp 2122260223 192.0.2.10 54400 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
		TargetUserID:  "u2",
	})

	msgs := u2.MessagesOfType(protocol.TypeICE)
	require.Len(t, msgs, 1)

	var p protocol.ICEPayload
	decodePayload(t, msgs[0], &p)
	assert.Equal(t, "u1", p.FromUserID)
	require.NotNil(t, p.SDPMid)
	assert.Equal(t, "0", *p.SDPMid)
	require.NotNil(t, p.SDPMLineIndex)
	assert.Equal(t, uint16(0), *p.SDPMLineIndex)

	// The zero index must be on the wire, not dropped as an empty field.
	assert.Contains(t, string(msgs[0].Payload), `"sdpMLineIndex":0`)
}

func TestRelayICE_AbsentFieldsStayAbsent(t *testing.T) {
	r, u1, u2, _ := newRelayRoom(t, time.Minute)

	r.RelayICE(context.Background(), u1, protocol.ICEPayload{
		RoomID:       "r1",
		Candidate:    "candidate:2 1 udp 1686052607 203.0.113.5 61000 typ srflx",
		TargetUserID: "u2",
	})

	msgs := u2.MessagesOfType(protocol.TypeICE)
	require.Len(t, msgs, 1)
	assert.NotContains(t, string(msgs[0].Payload), "sdpMid")
	assert.NotContains(t, string(msgs[0].Payload), "sdpMLineIndex")
}

func TestRelayICEBatch_Broadcast(t *testing.T) {
	r, u1, u2, u3 := newRelayRoom(t, time.Minute)

	mid := "audio"
	r.RelayICEBatch(context.Background(), u1, protocol.ICEBatchPayload{
		RoomID: "r1",
		Candidates: []protocol.ICECandidate{
			{Candidate: "candidate:1 1 udp 2122260223 192.0.2.10 54400 typ host", SDPMid: &mid},
			{Candidate: "candidate:2 1 udp 1686052607 203.0.113.5 61000 typ srflx"},
		},
	})

	assert.Zero(t, u1.FrameCount())

	for _, conn := range []*MockConnection{u2, u3} {
		msgs := conn.MessagesOfType(protocol.TypeICEBatch)
		require.Len(t, msgs, 1)

		var p protocol.ICEBatchPayload
		decodePayload(t, msgs[0], &p)
		assert.Equal(t, "u1", p.FromUserID)
		require.Len(t, p.Candidates, 2)
		require.NotNil(t, p.Candidates[0].SDPMid)
		assert.Equal(t, "audio", *p.Candidates[0].SDPMid)
		assert.Nil(t, p.Candidates[1].SDPMid)
	}
}

func TestRelay_RemoteTargetFallsBackToBus(t *testing.T) {
	mockBus := newMockBus()
	r := NewRoom("r1", 50, time.Minute, nil, mockBus)
	u1 := newMockConnection("u1", "Alice")
	u2 := newMockConnection("u2", "Bob")
	r.Join(context.Background(), u1)
	r.Join(context.Background(), u2)
	u1.Reset()
	u2.Reset()

	r.RelayAnswer(context.Background(), u2, protocol.AnswerPayload{RoomID: "r1", SDP: "a1", TargetUserID: "remote-user"})

	assert.Eventually(t, func() bool {
		targets := mockBus.Targets()
		return len(targets) == 1 && targets[0].Target == "remote-user" && targets[0].RoomID == "r1"
	}, time.Second, 10*time.Millisecond, "a target on another instance rides the bus")

	assert.Zero(t, u1.FrameCount())

	require.NoError(t, r.Shutdown(context.Background()))
}
