package lobby

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"google.golang.org/grpc/codes"

	"roomnet/binary"
	"roomnet/common"
	"roomnet/config"
	"roomnet/metrics"
	"roomnet/transport"
)

// roomInfo : roomテーブルのミラー行.
// 運用ツールからの参照用で、真実はメモリ上のRoomにある.
type roomInfo struct {
	Code        string    `db:"code"`
	HostID      uint32    `db:"host_id"`
	Capacity    uint32    `db:"capacity"`
	MemberCount uint32    `db:"member_count"`
	Started     bool      `db:"started"`
	Created     time.Time `db:"created"`
}

var (
	roomInsertQuery string
	roomUpdateQuery string
	roomDeleteQuery string
	roomPurgeQuery  string
)

func init() {
	initQueries()
}

func initQueries() {
	// room
	t := reflect.TypeOf(roomInfo{})
	cols := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if c := t.Field(i).Tag.Get("db"); c != "" {
			cols = append(cols, c)
		}
	}
	roomInsertQuery = fmt.Sprintf("INSERT INTO room (%s) VALUES (:%s)",
		strings.Join(cols, ","), strings.Join(cols, ",:"))
	roomUpdateQuery = "UPDATE room SET member_count = :member_count, started = :started WHERE code = :code"
	roomDeleteQuery = "DELETE FROM room WHERE code = :code"
	roomPurgeQuery = "DELETE FROM room WHERE host_id = :host_id"
}

// Registry : コード→Roomのインデックスと部屋の生成・破棄.
// transport.Handlerを実装し、wireのmsgを各Roomに振り分ける.
type Registry struct {
	db     *sqlx.DB
	hostId uint32
	conf   *config.LobbyConf

	bootstrap Bootstrapper

	mu     sync.RWMutex
	rooms  map[string]*Room
	byConn map[transport.ConnID]*Room

	logger *zap.SugaredLogger
}

func NewRegistry(db *sqlx.DB, hostId uint32, conf *config.LobbyConf, bootstrap Bootstrapper, logger *zap.SugaredLogger) *Registry {
	reg := &Registry{
		db:     db,
		hostId: hostId,
		conf:   conf,

		bootstrap: bootstrap,

		rooms:  make(map[string]*Room),
		byConn: make(map[transport.ConnID]*Room),

		logger: logger,
	}
	// 部屋は永続化しない. 前回プロセスのミラー行を掃除する.
	reg.purgeMirror()
	return reg
}

// CreateRoom : 部屋を作りconnをホストとして入室させる.
// 定員は[1,64]にクランプし、0なら設定のデフォルト値を使う.
func (reg *Registry) CreateRoom(ctx context.Context, conn Conn, name string, maxMembers uint32) (*Room, error) {
	// 再送されたリクエストで二重に部屋を作らず、改めて入室確認を返す (冪等)
	if r := reg.RoomOf(conn); r != nil {
		conn.Send(binary.NewEvRoomJoined(r.code))
		return r, nil
	}

	capacity := maxMembers
	if capacity == 0 {
		capacity = reg.conf.DefaultMaxMembers
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}

	room, err := reg.newRoom(capacity)
	if err != nil {
		return nil, err
	}

	err = reg.joinRoom(ctx, room, conn, name, true)
	if err != nil {
		// ホストが入れなかった部屋は空のまま閉じる
		room.Post(MsgConnStopped{Conn: conn})
		return nil, err
	}
	return room, nil
}

// newRoom : 未使用コードを引き当てて空部屋を登録する
func (reg *Registry) newRoom(capacity uint32) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var code string
	found := false
	for i := 0; i < reg.conf.RetryCount; i++ {
		code = common.GenerateCode(reg.conf.CodeLength)
		if _, ok := reg.rooms[code]; !ok {
			found = true
			break
		}
	}
	if !found {
		return nil, WithCode(
			xerrors.Errorf("no unused room code after %v tries", reg.conf.RetryCount),
			codes.Unavailable)
	}

	room := newRoom(reg, code, capacity, reg.conf, reg.bootstrap, reg.logger)
	reg.rooms[code] = room
	metrics.Rooms.Add(1)
	reg.logger.Infof("new room: code=%v capacity=%v", code, capacity)

	reg.insertRoomMirror(room)
	return room, nil
}

// JoinRoom : コードの部屋にconnを入室させる
func (reg *Registry) JoinRoom(ctx context.Context, conn Conn, code, name string) (*Room, error) {
	code = common.NormalizeCode(code)
	if !common.ValidCode(code) {
		return nil, WithCode(xerrors.Errorf("invalid room code: %q", code), codes.InvalidArgument)
	}

	if r := reg.RoomOf(conn); r != nil {
		if r.code == code {
			// 確認が届く前の再送. 改めて入室確認を返す (冪等)
			conn.Send(binary.NewEvRoomJoined(r.code))
			return r, nil
		}
		return nil, WithCode(
			xerrors.Errorf("conn %v already in room %v", conn.ID(), r.code), codes.AlreadyExists)
	}

	room := reg.FindRoom(code)
	if room == nil {
		return nil, WithCode(xerrors.Errorf("no such room: %q", code), codes.NotFound)
	}
	err := reg.joinRoom(ctx, room, conn, name, false)
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (reg *Registry) joinRoom(ctx context.Context, room *Room, conn Conn, name string, asHost bool) error {
	res := make(chan error, 1)
	err := room.Post(MsgJoin{Conn: conn, Name: name, AsHost: asHost, Res: res})
	if err != nil {
		return err
	}
	select {
	case err = <-res:
	case <-ctx.Done():
		return xerrors.Errorf("join canceled: %w", ctx.Err())
	}
	if err != nil {
		return err
	}

	reg.mu.Lock()
	reg.byConn[conn.ID()] = room
	reg.mu.Unlock()

	// 入室処理と並行して切断掃除が走った場合の取りこぼしを拾う
	if !conn.IsActive() {
		reg.RemoveConnectionEverywhere(conn)
	}
	return nil
}

// FindRoom : 正規化したコードで部屋を探す. 無ければnil.
func (reg *Registry) FindRoom(code string) *Room {
	code = common.NormalizeCode(code)
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[code]
}

// RoomOf : connが入室中の部屋. 無ければnil.
func (reg *Registry) RoomOf(conn Conn) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.byConn[conn.ID()]
}

// RoomCount : 現在の部屋数
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// RemoveConnectionEverywhere : connを全部屋から退室させる.
// すでに退室済みでも安全(冪等).
func (reg *Registry) RemoveConnectionEverywhere(conn Conn) {
	reg.mu.Lock()
	room := reg.byConn[conn.ID()]
	delete(reg.byConn, conn.ID())
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	if room != nil {
		room.Post(MsgConnStopped{Conn: conn})
	}
	// インデックスが取りこぼしていても全部屋を掃除する
	for _, r := range rooms {
		if r != room {
			r.Post(MsgConnStopped{Conn: conn})
		}
	}
}

// removeRoom : 空になった部屋をMsgLoopから外す
func (reg *Registry) removeRoom(room *Room) {
	reg.mu.Lock()
	if reg.rooms[room.code] != room {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, room.code)
	for id, r := range reg.byConn {
		if r == room {
			delete(reg.byConn, id)
		}
	}
	reg.mu.Unlock()

	metrics.Rooms.Add(-1)
	reg.logger.Infof("room removed: code=%v", room.code)
	reg.deleteRoomMirror(room)
}

func (r *Room) mirrorInfo() *roomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &roomInfo{
		Code:        r.code,
		HostID:      r.registry.hostId,
		Capacity:    r.capacity,
		MemberCount: uint32(len(r.members)),
		Started:     r.started,
		Created:     time.Now(),
	}
}

func (reg *Registry) insertRoomMirror(room *Room) {
	if reg.db == nil {
		return
	}
	if _, err := sqlx.NamedExec(reg.db, roomInsertQuery, room.mirrorInfo()); err != nil {
		reg.logger.Errorf("room mirror insert: code=%v: %v", room.code, err)
	}
}

// updateRoomMirror : 呼び出し元がroom.muを保持していること
func (reg *Registry) updateRoomMirror(room *Room) {
	if reg.db == nil {
		return
	}
	info := &roomInfo{
		Code:        room.code,
		MemberCount: uint32(len(room.members)),
		Started:     room.started,
	}
	if _, err := sqlx.NamedExec(reg.db, roomUpdateQuery, info); err != nil {
		reg.logger.Errorf("room mirror update: code=%v: %v", room.code, err)
	}
}

func (reg *Registry) purgeMirror() {
	if reg.db == nil {
		return
	}
	if _, err := sqlx.NamedExec(reg.db, roomPurgeQuery, &roomInfo{HostID: reg.hostId}); err != nil {
		reg.logger.Errorf("room mirror purge: host=%v: %v", reg.hostId, err)
	}
}

func (reg *Registry) deleteRoomMirror(room *Room) {
	if reg.db == nil {
		return
	}
	if _, err := sqlx.NamedExec(reg.db, roomDeleteQuery, &roomInfo{Code: room.code}); err != nil {
		reg.logger.Errorf("room mirror delete: code=%v: %v", room.code, err)
	}
}

// --- transport.Handler ---

func (reg *Registry) OnConnStarted(conn *transport.Conn) {
	reg.logger.Debugf("conn started: %v", conn.ID())
}

func (reg *Registry) OnConnStopped(conn *transport.Conn, cause error) {
	reg.logger.Infof("conn stopped: %v: %v", conn.ID(), cause)
	reg.RemoveConnectionEverywhere(conn)
}

// HandleMsg : wireのmsgを振り分ける. connのgoroutineで呼ばれる.
func (reg *Registry) HandleMsg(conn *transport.Conn, m binary.Msg) {
	switch m.Type() {
	case binary.MsgTypeCreateRoom:
		reg.msgCreateRoom(conn, m)
	case binary.MsgTypeJoinRoom:
		reg.msgJoinRoom(conn, m)
	case binary.MsgTypeToggleReady:
		reg.msgToggleReady(conn)
	case binary.MsgTypeStartMatch:
		reg.msgStartMatch(conn, m)
	case binary.MsgTypeLeave:
		reg.msgLeave(conn, m)
	default:
		reg.logger.Errorf("unhandled msg type: conn=%v type=%v", conn.ID(), m.Type())
	}
}

func (reg *Registry) msgCreateRoom(conn Conn, m binary.Msg) {
	p, err := binary.UnmarshalCreateRoomPayload(m.Payload())
	if err != nil {
		reg.logger.Errorf("create payload: conn=%v: %v", conn.ID(), err)
		conn.Send(binary.NewEvJoinFailed(joinFailReason(
			WithCode(err, codes.InvalidArgument))))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(reg.conf.ClientDeadline))
	defer cancel()
	if _, err := reg.CreateRoom(ctx, conn, p.Name, p.MaxMembers); err != nil {
		conn.Send(binary.NewEvJoinFailed(joinFailReason(err)))
	}
}

func (reg *Registry) msgJoinRoom(conn Conn, m binary.Msg) {
	p, err := binary.UnmarshalJoinRoomPayload(m.Payload())
	if err != nil {
		reg.logger.Errorf("join payload: conn=%v: %v", conn.ID(), err)
		conn.Send(binary.NewEvJoinFailed(joinFailReason(
			WithCode(err, codes.InvalidArgument))))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(reg.conf.ClientDeadline))
	defer cancel()
	if _, err := reg.JoinRoom(ctx, conn, p.Code, p.Name); err != nil {
		conn.Send(binary.NewEvJoinFailed(joinFailReason(err)))
	}
}

func (reg *Registry) msgToggleReady(conn Conn) {
	room := reg.RoomOf(conn)
	if room == nil {
		reg.logger.Debugf("toggle ready from roomless conn: %v", conn.ID())
		return
	}
	room.Post(MsgToggleReady{Conn: conn})
}

func (reg *Registry) msgStartMatch(conn Conn, m binary.Msg) {
	p, err := binary.UnmarshalStartMatchPayload(m.Payload())
	if err != nil {
		reg.logger.Errorf("start payload: conn=%v: %v", conn.ID(), err)
		return
	}
	room := reg.FindRoom(p.Code)
	if room == nil {
		reg.logger.Infof("start for unknown room: conn=%v code=%q", conn.ID(), p.Code)
		return
	}
	room.Post(MsgStartMatch{Conn: conn})
}

func (reg *Registry) msgLeave(conn *transport.Conn, m binary.Msg) {
	p, err := binary.UnmarshalLeavePayload(m.Payload())
	if err != nil {
		reg.logger.Errorf("leave payload: conn=%v: %v", conn.ID(), err)
		return
	}
	room := reg.RoomOf(conn)
	if room != nil {
		reg.mu.Lock()
		delete(reg.byConn, conn.ID())
		reg.mu.Unlock()
		room.Post(MsgLeave{Conn: conn, Message: p.Message})
	}
	// 自発的な退室はdeadlineを待たずに切断する
	conn.Close(xerrors.Errorf("leave: %v", p.Message))
}

// joinFailReason : クライアントに返す失敗理由
func joinFailReason(err error) string {
	switch Code(err) {
	case codes.NotFound:
		return "room not found"
	case codes.ResourceExhausted:
		return "room is full"
	case codes.AlreadyExists:
		return "already in room"
	case codes.FailedPrecondition:
		return "match already started"
	case codes.InvalidArgument:
		return "invalid request"
	default:
		return "internal error"
	}
}
