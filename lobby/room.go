package lobby

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"google.golang.org/grpc/codes"

	"roomnet/binary"
	"roomnet/config"
	"roomnet/metrics"
	"roomnet/transport"
)

const (
	// RoomMsgChSize : Msgバッファ数
	RoomMsgChSize = 10

	// MaxCapacity : 部屋の定員上限
	MaxCapacity = 64
)

// Bootstrapper kicks the gameplay-side spawn pass after a match starts.
// live returns the member conns still present at call time.
type Bootstrapper interface {
	Run(ctx context.Context, live func() []Conn) error
}

// Room : 1つの部屋.
// 状態はMsgLoopのgoroutineだけが書き換える.
type Room struct {
	code     string
	capacity uint32
	conf     *config.LobbyConf

	registry  *Registry
	bootstrap Bootstrapper

	msgCh chan Msg
	done  chan struct{}
	ctx   context.Context
	stop  context.CancelFunc

	mu      sync.RWMutex
	members map[transport.ConnID]*Member
	order   []transport.ConnID
	hostID  transport.ConnID
	started bool

	logger *zap.SugaredLogger
}

func newRoom(registry *Registry, code string, capacity uint32, conf *config.LobbyConf, bootstrap Bootstrapper, logger *zap.SugaredLogger) *Room {
	ctx, stop := context.WithCancel(context.Background())
	r := &Room{
		code:     code,
		capacity: capacity,
		conf:     conf,

		registry:  registry,
		bootstrap: bootstrap,

		msgCh: make(chan Msg, RoomMsgChSize),
		done:  make(chan struct{}),
		ctx:   ctx,
		stop:  stop,

		members: make(map[transport.ConnID]*Member),

		logger: logger.With("room", code),
	}
	go r.MsgLoop()
	return r
}

func (r *Room) Code() string {
	return r.code
}

func (r *Room) Capacity() uint32 {
	return r.capacity
}

func (r *Room) Done() <-chan struct{} {
	return r.done
}

// Post : Msgを部屋に送る. 部屋が閉じていたらエラー.
func (r *Room) Post(m Msg) error {
	select {
	case r.msgCh <- m:
		return nil
	case <-r.done:
		return WithCode(xerrors.Errorf("room closed: %v", r.code), codes.NotFound)
	}
}

// MemberCount : 現在の人数
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// LiveMemberConns : いまも部屋に居て生きているコネクションの列挙.
// spawnパスが遅延後の再列挙に使う.
func (r *Room) LiveMemberConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.members))
	for _, id := range r.order {
		m, ok := r.members[id]
		if !ok || !m.conn.IsActive() {
			continue
		}
		conns = append(conns, m.conn)
	}
	return conns
}

// MsgLoop goroutine.
func (r *Room) MsgLoop() {
	r.logger.Debugf("Room.MsgLoop start")
loop:
	for {
		select {
		case <-r.done:
			break loop
		case msg := <-r.msgCh:
			r.dispatch(msg)
		}
		if r.MemberCount() == 0 {
			r.logger.Infof("room is empty, closing")
			r.shutdown()
			break loop
		}
	}
	r.logger.Debugf("Room.MsgLoop finish")
}

func (r *Room) dispatch(msg Msg) {
	switch m := msg.(type) {
	case MsgJoin:
		r.msgJoin(m)
	case MsgToggleReady:
		r.msgToggleReady(m)
	case MsgStartMatch:
		r.msgStartMatch(m)
	case MsgLeave:
		r.removeMember(m.Conn, m.Message)
	case MsgConnStopped:
		r.removeMember(m.Conn, "connection stopped")
	default:
		r.logger.Errorf("unknown msg type: %T", m)
	}
}

func (r *Room) shutdown() {
	r.stop()
	close(r.done)
	r.registry.removeRoom(r)
}

func (r *Room) msgJoin(m MsgJoin) {
	err := r.admit(m)
	if err != nil {
		r.logger.Infof("join rejected: conn=%v: %v", m.Conn.ID(), err)
		m.Res <- err
		return
	}
	m.Res <- nil
}

// admit : 入室判定と入室処理.
func (r *Room) admit(m MsgJoin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[m.Conn.ID()]; ok {
		// 確認が届く前の再送. 改めて入室確認だけ返す (冪等)
		m.Conn.Send(binary.NewEvRoomJoined(r.code))
		return nil
	}
	if r.started {
		return WithCode(
			xerrors.Errorf("match already started: %v", r.code), codes.FailedPrecondition)
	}
	if uint32(len(r.members)) >= r.capacity {
		return WithCode(
			xerrors.Errorf("room full: %v (%v/%v)", r.code, len(r.members), r.capacity), codes.ResourceExhausted)
	}

	member := newMember(m.Conn, m.Name, m.AsHost)
	r.members[m.Conn.ID()] = member
	r.order = append(r.order, m.Conn.ID())
	if m.AsHost {
		r.hostID = m.Conn.ID()
	}

	m.Conn.Send(binary.NewEvRoomJoined(r.code))

	// 入室者には既存メンバーの状態を同期する
	for _, id := range r.order {
		if id == m.Conn.ID() {
			continue
		}
		o := r.members[id]
		m.Conn.Send(binary.NewEvMemberStateChanged(o.name, o.ready))
	}

	// 入室確認は本人への応答に加えて部屋全体にも通知する
	r.broadcastLocked(binary.NewEvRoomJoined(r.code))
	r.broadcastLocked(binary.NewEvMemberCountChanged(uint32(len(r.members)), r.capacity))
	r.broadcastLocked(binary.NewEvMemberStateChanged(member.name, member.ready))

	if m.Joined != nil {
		m.Joined <- JoinedInfo{Room: r, Member: member}
	}

	r.registry.updateRoomMirror(r)
	return nil
}

func (r *Room) msgToggleReady(m MsgToggleReady) {
	r.mu.Lock()
	defer r.mu.Unlock()
	member, ok := r.members[m.Conn.ID()]
	if !ok {
		r.logger.Debugf("toggle ready from non-member: conn=%v", m.Conn.ID())
		return
	}
	member.ready = !member.ready
	r.broadcastLocked(binary.NewEvMemberStateChanged(member.name, member.ready))
}

func (r *Room) msgStartMatch(m MsgStartMatch) {
	err := r.startMatch(m.Conn)
	if err != nil {
		r.logger.Infof("start rejected: conn=%v: %v", m.Conn.ID(), err)
	}
	if m.Res != nil {
		m.Res <- err
	}
}

func (r *Room) startMatch(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return WithCode(
			xerrors.Errorf("match already started: %v", r.code), codes.FailedPrecondition)
	}
	if _, ok := r.members[conn.ID()]; !ok {
		return WithCode(
			xerrors.Errorf("conn %v not in room %v", conn.ID(), r.code), codes.NotFound)
	}
	if r.conf.RequireReady {
		for _, id := range r.order {
			o := r.members[id]
			if !o.isHost && !o.ready {
				return WithCode(
					xerrors.Errorf("member %q not ready in %v", o.name, r.code), codes.FailedPrecondition)
			}
		}
	}

	r.started = true
	metrics.Matches.Add(1)
	r.broadcastLocked(binary.NewEvLoadGameplayScene(r.conf.GameplayScene))

	if r.bootstrap != nil {
		go func() {
			if err := r.bootstrap.Run(r.ctx, r.LiveMemberConns); err != nil {
				r.logger.Errorf("bootstrap: %v", err)
			}
		}()
	}

	r.registry.updateRoomMirror(r)
	return nil
}

// removeMember : 退室処理. 非メンバーのconnに対しては何もしない(冪等).
func (r *Room) removeMember(conn Conn, cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	member, ok := r.members[conn.ID()]
	if !ok {
		return
	}
	r.logger.Infof("member leave: conn=%v name=%q cause=%q", conn.ID(), member.name, cause)
	delete(r.members, conn.ID())
	for i, id := range r.order {
		if id == conn.ID() {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.broadcastLocked(binary.NewEvMemberCountChanged(uint32(len(r.members)), r.capacity))
	r.registry.updateRoomMirror(r)
}

// broadcastLocked : 全メンバーへの送信. r.muを保持して呼ぶこと.
func (r *Room) broadcastLocked(ev *binary.RegularEvent) {
	for _, id := range r.order {
		m := r.members[id]
		if err := m.conn.Send(ev); err != nil {
			r.logger.Errorf("broadcast to %v: %v", id, err)
		}
	}
}
