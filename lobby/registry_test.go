package lobby

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"roomnet/binary"
	"roomnet/common"
	"roomnet/config"
	"roomnet/transport"
)

type fakeConn struct {
	id    transport.ConnID
	local bool

	mu     sync.Mutex
	active bool
	evs    []*binary.RegularEvent
}

func newFakeConn(id transport.ConnID) *fakeConn {
	return &fakeConn{id: id, active: true}
}

func (c *fakeConn) ID() transport.ConnID { return c.id }
func (c *fakeConn) IsLocal() bool        { return c.local }

func (c *fakeConn) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *fakeConn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

func (c *fakeConn) Send(ev *binary.RegularEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

func (c *fakeConn) events(typ binary.EvType) []*binary.RegularEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var evs []*binary.RegularEvent
	for _, ev := range c.evs {
		if ev.Type() == typ {
			evs = append(evs, ev)
		}
	}
	return evs
}

func testLobbyConf() *config.LobbyConf {
	return &config.LobbyConf{
		RetryCount:        5,
		CodeLength:        6,
		DefaultMaxMembers: 8,
		ClientDeadline:    config.Duration(3 * time.Second),
		SettleDelay:       config.Duration(10 * time.Millisecond),
		PlayerTemplate:    "Player",
		GameplayScene:     "Game",
	}
}

func testRegistry(conf *config.LobbyConf) *Registry {
	return NewRegistry(nil, 1, conf, nil, zap.NewNop().Sugar())
}

func waitCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestCreateRoomCapacity(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	tests := []struct {
		req  uint32
		want uint32
	}{
		{0, 8},
		{1, 1},
		{5, 5},
		{64, 64},
		{100, 64},
	}
	for i, test := range tests {
		conn := newFakeConn(transport.ConnID(i + 1))
		room, err := reg.CreateRoom(ctx, conn, "", test.req)
		if err != nil {
			t.Fatalf("CreateRoom(%v): %v", test.req, err)
		}
		if room.Capacity() != test.want {
			t.Fatalf("capacity = %v, wants %v", room.Capacity(), test.want)
		}
		if room.MemberCount() != 1 {
			t.Fatalf("member count = %v, wants 1", room.MemberCount())
		}

		code := room.Code()
		if len(code) != 6 {
			t.Fatalf("code length = %v, wants 6: %q", len(code), code)
		}
		for _, r := range code {
			if !strings.ContainsRune(common.CodeAlphabet, r) {
				t.Fatalf("code %q contains invalid char %q", code, r)
			}
		}
		if reg.FindRoom(code) != room {
			t.Fatalf("FindRoom(%q) did not return the created room", code)
		}
	}
}

func TestCreateRoomTwice(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()
	conn := newFakeConn(1)

	room, err := reg.CreateRoom(ctx, conn, "", 2)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	// 同じconnからの再送には部屋を作り直さず入室確認を返し直す
	room2, err := reg.CreateRoom(ctx, conn, "", 2)
	if err != nil {
		t.Fatalf("second CreateRoom: %v", err)
	}
	if room2 != room {
		t.Fatalf("second CreateRoom returned a different room")
	}
	if reg.RoomCount() != 1 {
		t.Fatalf("room count = %v, wants 1", reg.RoomCount())
	}
	evs := conn.events(binary.EvTypeRoomJoined)
	if len(evs) == 0 {
		t.Fatalf("no RoomJoined")
	}
	p, err := binary.UnmarshalRoomJoinedPayload(evs[len(evs)-1].Payload())
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != room.Code() {
		t.Fatalf("reconfirmed code = %q, wants %q", p.Code, room.Code())
	}
}

func TestJoinRoomTwice(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	host := newFakeConn(1)
	room, err := reg.CreateRoom(ctx, host, "alice", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	guest := newFakeConn(2)
	if _, err := reg.JoinRoom(ctx, guest, room.Code(), "bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	before := len(guest.events(binary.EvTypeRoomJoined))

	// 同じ部屋への再送は再入室にならず入室確認を返し直す
	room2, err := reg.JoinRoom(ctx, guest, room.Code(), "bob")
	if err != nil {
		t.Fatalf("second JoinRoom: %v", err)
	}
	if room2 != room {
		t.Fatalf("second JoinRoom returned a different room")
	}
	if room.MemberCount() != 2 {
		t.Fatalf("member count = %v, wants 2", room.MemberCount())
	}
	if n := len(guest.events(binary.EvTypeRoomJoined)); n != before+1 {
		t.Fatalf("guest got %v RoomJoined, wants %v", n, before+1)
	}

	// 別の部屋に入ろうとした場合は拒否
	other, err := reg.CreateRoom(ctx, newFakeConn(3), "", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	_, err = reg.JoinRoom(ctx, guest, other.Code(), "bob")
	if Code(err) != codes.AlreadyExists {
		t.Fatalf("join to another room = %v, wants AlreadyExists", err)
	}
	if joinFailReason(err) != "already in room" {
		t.Fatalf("reason = %q, wants %q", joinFailReason(err), "already in room")
	}
}

func TestJoinBroadcastsRoomJoined(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	host := newFakeConn(1)
	room, err := reg.CreateRoom(ctx, host, "alice", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	before := len(host.events(binary.EvTypeRoomJoined))

	guest := newFakeConn(2)
	if _, err := reg.JoinRoom(ctx, guest, room.Code(), "bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	// 入室は既存メンバーにもRoomJoinedとして通知される
	evs := host.events(binary.EvTypeRoomJoined)
	if len(evs) != before+1 {
		t.Fatalf("host got %v RoomJoined, wants %v", len(evs), before+1)
	}
	p, err := binary.UnmarshalRoomJoinedPayload(evs[len(evs)-1].Payload())
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Code != room.Code() {
		t.Fatalf("broadcast code = %q, wants %q", p.Code, room.Code())
	}
	if len(guest.events(binary.EvTypeRoomJoined)) == 0 {
		t.Fatalf("joiner got no RoomJoined")
	}
}

func TestJoinRoomInvalidCode(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	for _, code := range []string{"", "   ", "ABC12!"} {
		_, err := reg.JoinRoom(context.Background(), newFakeConn(1), code, "")
		if Code(err) != codes.InvalidArgument {
			t.Fatalf("JoinRoom(%q) = %v, wants InvalidArgument", code, err)
		}
		if joinFailReason(err) != "invalid request" {
			t.Fatalf("reason = %q, wants %q", joinFailReason(err), "invalid request")
		}
	}
}

func TestJoinSweptWhenConnAlreadyStopped(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	host := newFakeConn(1)
	room, err := reg.CreateRoom(ctx, host, "", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	// 入室処理が終わる前に切断処理が済んでいたconnは残さない
	guest := newFakeConn(2)
	guest.stop()
	if _, err := reg.JoinRoom(ctx, guest, room.Code(), ""); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	waitCond(t, func() bool { return room.MemberCount() == 1 }, "stopped conn swept")
	if reg.RoomOf(guest) != nil {
		t.Fatalf("stopped conn still indexed")
	}
}

func TestJoinRoomFull(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	host := newFakeConn(1)
	room, err := reg.CreateRoom(ctx, host, "alice", 2)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	second := newFakeConn(2)
	if _, err := reg.JoinRoom(ctx, second, room.Code(), "bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if room.MemberCount() != 2 {
		t.Fatalf("member count = %v, wants 2", room.MemberCount())
	}

	third := newFakeConn(3)
	_, err = reg.JoinRoom(ctx, third, room.Code(), "carol")
	if Code(err) != codes.ResourceExhausted {
		t.Fatalf("join to full room = %v, wants ResourceExhausted", err)
	}
	if joinFailReason(err) != "room is full" {
		t.Fatalf("reason = %q, wants %q", joinFailReason(err), "room is full")
	}
	if room.MemberCount() != 2 {
		t.Fatalf("member count changed by rejected join: %v", room.MemberCount())
	}

	// 2人とも2/2のMemberCountChangedを受け取っている
	for _, conn := range []*fakeConn{host, second} {
		evs := conn.events(binary.EvTypeMemberCountChanged)
		if len(evs) == 0 {
			t.Fatalf("conn %v got no MemberCountChanged", conn.ID())
		}
		p, err := binary.UnmarshalMemberCountChangedPayload(evs[len(evs)-1].Payload())
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if p.Count != 2 || p.Capacity != 2 {
			t.Fatalf("conn %v count = %v/%v, wants 2/2", conn.ID(), p.Count, p.Capacity)
		}
	}
}

func TestJoinRoomNotFound(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	_, err := reg.JoinRoom(context.Background(), newFakeConn(1), "AAAAAA", "")
	if Code(err) != codes.NotFound {
		t.Fatalf("join unknown code = %v, wants NotFound", err)
	}
}

func TestJoinRoomNormalizedCode(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	room, err := reg.CreateRoom(ctx, newFakeConn(1), "", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	// 紛らわしい文字と小文字で入力されたコードも受け付ける
	typo := strings.NewReplacer("0", "o", "1", "l", "5", "s", "2", "z").Replace(
		strings.ToLower(room.Code()))
	if _, err := reg.JoinRoom(ctx, newFakeConn(2), typo, ""); err != nil {
		t.Fatalf("JoinRoom(%q): %v", typo, err)
	}
}

func TestJoinRoomPlaceholderName(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	host := newFakeConn(7)
	room, err := reg.CreateRoom(ctx, host, "", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	_ = room

	evs := host.events(binary.EvTypeMemberStateChanged)
	if len(evs) == 0 {
		t.Fatalf("no MemberStateChanged")
	}
	p, err := binary.UnmarshalMemberStateChangedPayload(evs[0].Payload())
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Name != "Player 7" {
		t.Fatalf("placeholder name = %q, wants %q", p.Name, "Player 7")
	}
}

func TestLeaveClosesEmptyRoom(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	host := newFakeConn(1)
	member := newFakeConn(2)
	room, err := reg.CreateRoom(ctx, host, "", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := reg.JoinRoom(ctx, member, room.Code(), ""); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	reg.RemoveConnectionEverywhere(member)
	waitCond(t, func() bool { return room.MemberCount() == 1 }, "member leave")

	// 冪等: もう一度呼んでも何も起きない
	reg.RemoveConnectionEverywhere(member)
	time.Sleep(10 * time.Millisecond)
	if room.MemberCount() != 1 {
		t.Fatalf("member count = %v, wants 1", room.MemberCount())
	}

	reg.RemoveConnectionEverywhere(host)
	select {
	case <-room.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("empty room was not closed")
	}
	waitCond(t, func() bool { return reg.RoomCount() == 0 }, "registry cleanup")
	if reg.FindRoom(room.Code()) != nil {
		t.Fatalf("closed room is still findable")
	}
}

func TestMembershipInvariant(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()
	rnd := rand.New(rand.NewSource(1))

	var rooms []*Room
	var joined []struct {
		conn *fakeConn
		room *Room
	}
	nextID := transport.ConnID(0)

	assertInvariant := func() {
		t.Helper()
		for _, r := range rooms {
			if c := r.MemberCount(); uint32(c) > r.Capacity() {
				t.Fatalf("room %v: %v members > capacity %v", r.Code(), c, r.Capacity())
			}
		}
	}

	for step := 0; step < 300; step++ {
		switch rnd.Intn(3) {
		case 0: // create
			nextID++
			conn := newFakeConn(nextID)
			room, err := reg.CreateRoom(ctx, conn, "", uint32(rnd.Intn(3)+1))
			if err != nil {
				t.Fatalf("step %v: CreateRoom: %v", step, err)
			}
			rooms = append(rooms, room)
			joined = append(joined, struct {
				conn *fakeConn
				room *Room
			}{conn, room})

		case 1: // join
			if len(rooms) == 0 {
				continue
			}
			room := rooms[rnd.Intn(len(rooms))]
			nextID++
			conn := newFakeConn(nextID)
			_, err := reg.JoinRoom(ctx, conn, room.Code(), "")
			if err == nil {
				joined = append(joined, struct {
					conn *fakeConn
					room *Room
				}{conn, room})
			} else if Code(err) != codes.ResourceExhausted && Code(err) != codes.NotFound {
				t.Fatalf("step %v: JoinRoom: %v", step, err)
			}

		case 2: // leave
			if len(joined) == 0 {
				continue
			}
			i := rnd.Intn(len(joined))
			j := joined[i]
			before := j.room.MemberCount()
			reg.RemoveConnectionEverywhere(j.conn)
			joined = append(joined[:i], joined[i+1:]...)
			waitCond(t, func() bool { return j.room.MemberCount() < before },
				"membership shrink")
		}
		assertInvariant()
	}
}
