package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"roomnet/binary"
	"roomnet/common"
	"roomnet/config"
)

type State int32

const (
	StateIdle State = iota
	StateTransportConnecting
	StateAwaitingRoomConfirmation
	StateInRoom
	StateMatchStarting
	StateInGame
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateTransportConnecting:
		return "TransportConnecting"
	case StateAwaitingRoomConfirmation:
		return "AwaitingRoomConfirmation"
	case StateInRoom:
		return "InRoom"
	case StateMatchStarting:
		return "MatchStarting"
	case StateInGame:
		return "InGame"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// Allocator : ホストがtransportの割り当てを行う境界.
// ゲーム組み込みではリレーの確保、スタンドアロンではサーバ起動にあたる.
type Allocator interface {
	// Allocate : リッスンを開始して接続先URLとローカル接続用の鍵を返す
	Allocate(ctx context.Context) (url, localKey string, err error)
	// Reallocate : transport障害後の貼り直し. 部屋の状態は失われない.
	Reallocate(ctx context.Context) (url string, err error)
}

// RoomView : 観測している部屋の状態
type RoomView struct {
	Code     string
	Count    uint32
	Capacity uint32
	Members  map[string]bool // name -> ready
	Scene    string
}

// Coordinator drives the session handshake:
// allocate transport, create or join a room, observe membership,
// and hand off to the gameplay scene.
type Coordinator struct {
	conf   *config.ClientConf
	logger *zap.SugaredLogger

	mu     sync.Mutex
	state  State
	reason string
	conn   *Connection
	view   RoomView
	isHost bool

	roomJoined chan string
	joinFailed chan string
	sceneCh    chan string
}

func NewCoordinator(conf *config.ClientConf, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		conf:   conf,
		logger: logger,
		state:  StateIdle,
	}
}

// State : 現在の状態. Failedのときは理由つき.
func (co *Coordinator) State() (State, string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.state, co.reason
}

// RoomView : 観測中の部屋のスナップショット
func (co *Coordinator) RoomView() RoomView {
	co.mu.Lock()
	defer co.mu.Unlock()
	v := co.view
	v.Members = make(map[string]bool, len(co.view.Members))
	for k, r := range co.view.Members {
		v.Members[k] = r
	}
	return v
}

func (co *Coordinator) setState(s State, reason string) {
	co.mu.Lock()
	old := co.state
	co.state = s
	co.reason = reason
	co.mu.Unlock()
	if old != s {
		co.logger.Infof("coordinator: %v -> %v %v", old, s, reason)
	}
}

// begin : IdleまたはFailedからだけ開始できる
func (co *Coordinator) begin(isHost bool) error {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.state != StateIdle && co.state != StateFailed {
		return xerrors.Errorf("coordinator busy: %v", co.state)
	}
	co.state = StateTransportConnecting
	co.reason = ""
	co.isHost = isHost
	co.view = RoomView{}
	co.roomJoined = make(chan string, 1)
	co.joinFailed = make(chan string, 1)
	co.sceneCh = make(chan string, 1)
	return nil
}

// HostMatch : サーバを割り当てて部屋を作り、自身もその部屋の一員になる.
// 成功すると部屋コードを返す.
func (co *Coordinator) HostMatch(ctx context.Context, alloc Allocator, name string, capacity uint32) (string, error) {
	if err := co.begin(true); err != nil {
		return "", err
	}

	url, localKey, err := alloc.Allocate(ctx)
	if err != nil {
		co.setState(StateFailed, "allocation failed")
		return "", xerrors.Errorf("allocate: %w", err)
	}

	// 初回は割り当て済みURL、再接続時は貼り直し
	first := true
	urlFn := func(ctx context.Context) (string, error) {
		if first {
			first = false
			return url, nil
		}
		return alloc.Reallocate(ctx)
	}

	co.startConn(ctx, urlFn, localKey)

	payload := binary.MarshalCreateRoomPayload(&binary.CreateRoomPayload{
		Name:       name,
		MaxMembers: capacity,
	})
	return co.confirmJoin(ctx, binary.MsgTypeCreateRoom, payload)
}

// JoinMatch : コードを正規化して部屋に入る
func (co *Coordinator) JoinMatch(ctx context.Context, url, code, name string) error {
	if err := co.begin(false); err != nil {
		return err
	}

	co.startConn(ctx, FixedURL(url), "")

	payload := binary.MarshalJoinRoomPayload(&binary.JoinRoomPayload{
		Code: common.NormalizeCode(code),
		Name: name,
	})
	_, err := co.confirmJoin(ctx, binary.MsgTypeJoinRoom, payload)
	return err
}

func (co *Coordinator) startConn(ctx context.Context, urlFn URLFunc, localKey string) {
	conn := Dial(ctx, urlFn, localKey, co.conf, co.logger)
	co.mu.Lock()
	co.conn = conn
	co.mu.Unlock()
	go co.eventLoop(conn)
}

// confirmJoin : 入室確認イベントを待つ.
// タイムアウトしたらリクエストを再送する(回数上限あり、待ち時間は毎回2倍).
// 確認は最初の1回だけ有効で、再送による2通目以降のRoomJoinedは捨てられる.
func (co *Coordinator) confirmJoin(ctx context.Context, typ binary.MsgType, payload []byte) (string, error) {
	co.setState(StateAwaitingRoomConfirmation, "")

	co.mu.Lock()
	conn := co.conn
	co.mu.Unlock()

	wait := time.Duration(co.conf.ConfirmTimeout)
	for attempt := 0; attempt < co.conf.RetryCount; attempt++ {
		if err := conn.Send(typ, payload); err != nil {
			co.setState(StateFailed, "send failed")
			co.releaseConn(conn)
			return "", xerrors.Errorf("send %v: %w", typ, err)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			co.setState(StateFailed, "canceled")
			co.releaseConn(conn)
			return "", ctx.Err()

		case code := <-co.roomJoined:
			t.Stop()
			co.mu.Lock()
			co.view.Code = code
			co.mu.Unlock()
			co.setState(StateInRoom, "")
			return code, nil

		case reason := <-co.joinFailed:
			t.Stop()
			co.setState(StateFailed, reason)
			co.releaseConn(conn)
			return "", xerrors.Errorf("join failed: %v", reason)

		case <-t.C:
			co.logger.Infof("no room confirmation, retrying (%v/%v)", attempt+1, co.conf.RetryCount)
			wait *= 2
		}
	}

	co.setState(StateFailed, "not ready")
	co.releaseConn(conn)
	return "", xerrors.New("room confirmation did not arrive: not ready")
}

// ToggleReady : 自分のready状態を反転する
func (co *Coordinator) ToggleReady() error {
	conn, err := co.connInRoom()
	if err != nil {
		return err
	}
	return conn.Send(binary.MsgTypeToggleReady, nil)
}

// StartMatch : マッチ開始を要求し、シーンロード指示を待つ
func (co *Coordinator) StartMatch(ctx context.Context) error {
	conn, err := co.connInRoom()
	if err != nil {
		return err
	}

	co.mu.Lock()
	code := co.view.Code
	co.mu.Unlock()

	payload := binary.MarshalStartMatchPayload(&binary.StartMatchPayload{Code: code})
	if err := conn.Send(binary.MsgTypeStartMatch, payload); err != nil {
		return xerrors.Errorf("send start: %w", err)
	}
	co.setState(StateMatchStarting, "")

	t := time.NewTimer(time.Duration(co.conf.ConfirmTimeout))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case scene := <-co.sceneCh:
		co.logger.Infof("gameplay scene: %v", scene)
		return nil
	case <-t.C:
		co.setState(StateInRoom, "")
		return xerrors.New("match start was not confirmed")
	}
}

// Leave : 自発的に退室して接続を終了する
func (co *Coordinator) Leave(message string) error {
	co.mu.Lock()
	conn := co.conn
	co.conn = nil
	state := co.state
	co.state = StateIdle
	co.reason = ""
	co.mu.Unlock()

	if conn == nil || state == StateIdle {
		return nil
	}
	payload := binary.MarshalLeavePayload(&binary.LeavePayload{Message: message})
	err := conn.Send(binary.MsgTypeLeave, payload)
	// サーバがMsgLeaveを受けて切断してくる. 応答が無い場合は自分から切る.
	time.AfterFunc(time.Duration(co.conf.ConfirmTimeout), conn.Close)
	return err
}

// releaseConn : 使い終えた接続を手放して切断する
func (co *Coordinator) releaseConn(conn *Connection) {
	co.mu.Lock()
	if co.conn == conn {
		co.conn = nil
	}
	co.mu.Unlock()
	conn.Close()
}

func (co *Coordinator) connInRoom() (*Connection, error) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.conn == nil || (co.state != StateInRoom && co.state != StateMatchStarting) {
		return nil, xerrors.Errorf("not in a room: %v", co.state)
	}
	return co.conn, nil
}

// eventLoop : サーバイベントを状態に反映する
func (co *Coordinator) eventLoop(conn *Connection) {
	for ev := range conn.Events() {
		switch ev.Type() {
		case binary.EvTypePeerReady, binary.EvTypePong:
			// transport層で消化済み

		case binary.EvTypeRoomJoined:
			p, err := binary.UnmarshalRoomJoinedPayload(ev.Payload())
			if err != nil {
				co.logger.Errorf("room joined payload: %v", err)
				continue
			}
			select {
			case co.roomJoined <- p.Code:
			default: // 再送ぶんの2通目以降
			}

		case binary.EvTypeJoinFailed:
			p, err := binary.UnmarshalJoinFailedPayload(ev.Payload())
			if err != nil {
				co.logger.Errorf("join failed payload: %v", err)
				continue
			}
			select {
			case co.joinFailed <- p.Reason:
			default:
			}

		case binary.EvTypeMemberCountChanged:
			p, err := binary.UnmarshalMemberCountChangedPayload(ev.Payload())
			if err != nil {
				co.logger.Errorf("member count payload: %v", err)
				continue
			}
			co.mu.Lock()
			co.view.Count = p.Count
			co.view.Capacity = p.Capacity
			co.mu.Unlock()

		case binary.EvTypeMemberStateChanged:
			p, err := binary.UnmarshalMemberStateChangedPayload(ev.Payload())
			if err != nil {
				co.logger.Errorf("member state payload: %v", err)
				continue
			}
			co.mu.Lock()
			if co.view.Members == nil {
				co.view.Members = make(map[string]bool)
			}
			co.view.Members[p.Name] = p.Ready
			co.mu.Unlock()

		case binary.EvTypeLoadGameplayScene:
			p, err := binary.UnmarshalLoadGameplayScenePayload(ev.Payload())
			if err != nil {
				co.logger.Errorf("scene payload: %v", err)
				continue
			}
			co.mu.Lock()
			co.view.Scene = p.Scene
			co.mu.Unlock()
			select {
			case co.sceneCh <- p.Scene:
			default:
			}
			co.setState(StateInGame, "")

		default:
			co.logger.Errorf("unknown event: %v", ev.Type())
		}
	}

	// Eventsが閉じた = 接続終了
	msg, err := conn.Wait(context.Background())
	co.mu.Lock()
	current := co.conn
	state := co.state
	co.mu.Unlock()
	if current != conn {
		return // Leave済みか作り直し済み
	}
	if err != nil {
		// ホストの再接続・貼り直しはConnection内で尽きた後なのでここは終端
		co.logger.Errorf("connection lost: %v: %v", msg, err)
		co.setState(StateFailed, msg)
		return
	}
	if state != StateIdle {
		co.logger.Infof("connection closed: %v", msg)
		co.setState(StateIdle, "")
	}
}
