package lobby

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"roomnet/binary"
)

// postAndWait : msgChの処理順を利用して先行msgの完了を保証する
func postAndWait(t *testing.T, room *Room) {
	t.Helper()
	res := make(chan error, 1)
	if err := room.Post(MsgStartMatch{Conn: newFakeConn(0xffff), Res: res}); err != nil {
		t.Fatalf("post: %v", err)
	}
	<-res // 非メンバーなのでNotFoundが返るだけで副作用はない
}

func TestToggleReady(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	host := newFakeConn(1)
	member := newFakeConn(2)
	room, err := reg.CreateRoom(ctx, host, "alice", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := reg.JoinRoom(ctx, member, room.Code(), "bob"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	room.Post(MsgToggleReady{Conn: member})
	postAndWait(t, room)

	evs := host.events(binary.EvTypeMemberStateChanged)
	if len(evs) == 0 {
		t.Fatalf("no MemberStateChanged")
	}
	p, err := binary.UnmarshalMemberStateChangedPayload(evs[len(evs)-1].Payload())
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Name != "bob" || !p.Ready {
		t.Fatalf("state = %q/%v, wants bob/true", p.Name, p.Ready)
	}

	// 反転なので2回で元に戻る
	room.Post(MsgToggleReady{Conn: member})
	postAndWait(t, room)
	evs = host.events(binary.EvTypeMemberStateChanged)
	p, err = binary.UnmarshalMemberStateChangedPayload(evs[len(evs)-1].Payload())
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Ready {
		t.Fatalf("ready was not toggled back")
	}
}

func TestToggleReadyOnlySelf(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	host := newFakeConn(1)
	room, err := reg.CreateRoom(ctx, host, "alice", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	// 非メンバーのtoggleは無視される
	room.Post(MsgToggleReady{Conn: newFakeConn(99)})
	postAndWait(t, room)

	for _, ev := range host.events(binary.EvTypeMemberStateChanged) {
		p, err := binary.UnmarshalMemberStateChangedPayload(ev.Payload())
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if p.Ready {
			t.Fatalf("ready flag set by non-member")
		}
	}
}

func TestStartMatch(t *testing.T) {
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

	res := make(chan error, 1)
	room.Post(MsgStartMatch{Conn: member, Res: res})
	if err := <-res; err != nil {
		t.Fatalf("StartMatch: %v", err)
	}

	// 全員にLoadGameplaySceneが1通ずつ届く
	for _, conn := range []*fakeConn{host, member} {
		evs := conn.events(binary.EvTypeLoadGameplayScene)
		if len(evs) != 1 {
			t.Fatalf("conn %v got %v LoadGameplayScene, wants 1", conn.ID(), len(evs))
		}
		p, err := binary.UnmarshalLoadGameplayScenePayload(evs[0].Payload())
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if p.Scene != "Game" {
			t.Fatalf("scene = %q, wants %q", p.Scene, "Game")
		}
	}

	// 2回目はFailedPrecondition
	room.Post(MsgStartMatch{Conn: member, Res: res})
	if err := <-res; Code(err) != codes.FailedPrecondition {
		t.Fatalf("second StartMatch = %v, wants FailedPrecondition", err)
	}

	// 開始後の入室は拒否される
	_, err = reg.JoinRoom(ctx, newFakeConn(3), room.Code(), "")
	if Code(err) != codes.FailedPrecondition {
		t.Fatalf("join after start = %v, wants FailedPrecondition", err)
	}
}

func TestStartMatchNonMember(t *testing.T) {
	reg := testRegistry(testLobbyConf())
	ctx := context.Background()

	room, err := reg.CreateRoom(ctx, newFakeConn(1), "", 4)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	res := make(chan error, 1)
	room.Post(MsgStartMatch{Conn: newFakeConn(9), Res: res})
	if err := <-res; Code(err) != codes.NotFound {
		t.Fatalf("StartMatch from non-member = %v, wants NotFound", err)
	}
}

func TestStartMatchReadyGate(t *testing.T) {
	conf := testLobbyConf()
	conf.RequireReady = true
	reg := testRegistry(conf)
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

	res := make(chan error, 1)
	room.Post(MsgStartMatch{Conn: host, Res: res})
	if err := <-res; Code(err) != codes.FailedPrecondition {
		t.Fatalf("StartMatch before ready = %v, wants FailedPrecondition", err)
	}

	room.Post(MsgToggleReady{Conn: member})
	room.Post(MsgStartMatch{Conn: host, Res: res})
	if err := <-res; err != nil {
		t.Fatalf("StartMatch after ready: %v", err)
	}
}

type fakeBootstrap struct {
	runs int32
	live int32
}

func (b *fakeBootstrap) Run(ctx context.Context, live func() []Conn) error {
	atomic.AddInt32(&b.runs, 1)
	atomic.StoreInt32(&b.live, int32(len(live())))
	return nil
}

func TestStartMatchKicksBootstrap(t *testing.T) {
	conf := testLobbyConf()
	bootstrap := &fakeBootstrap{}
	reg := NewRegistry(nil, 1, conf, bootstrap, zap.NewNop().Sugar())
	ctx := context.Background()

	host := newFakeConn(1)
	room, err := reg.CreateRoom(ctx, host, "", 2)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	res := make(chan error, 1)
	room.Post(MsgStartMatch{Conn: host, Res: res})
	if err := <-res; err != nil {
		t.Fatalf("StartMatch: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&bootstrap.runs) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt32(&bootstrap.runs); got != 1 {
		t.Fatalf("bootstrap runs = %v, wants 1", got)
	}
	if got := atomic.LoadInt32(&bootstrap.live); got != 1 {
		t.Fatalf("live conns = %v, wants 1", got)
	}
}
