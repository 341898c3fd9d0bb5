package binary

import (
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/xerrors"
)

type EvType byte

const regularEvType = 30

const (
	// EvTypePeerReady : Peer準備完了イベント
	// payload: | 24bit-be last msg sequence number |
	EvTypePeerReady EvType = 1 + iota

	// EvTypePong : Ping応答
	// payload: | unsigned 64bit-be echoed timestamp |
	EvTypePong
)

const (
	// EvTypeRoomJoined : 入室確定通知.
	// 対象コネクションへの直接応答と部屋全体への通知の両方で流れる.
	// payload: RoomJoinedPayload
	EvTypeRoomJoined EvType = regularEvType + iota

	// EvTypeJoinFailed : 入室拒否(対象コネクションのみ)
	// payload: JoinFailedPayload
	EvTypeJoinFailed

	// EvTypeMemberCountChanged : 部屋人数スナップショット(部屋全体)
	// payload: MemberCountChangedPayload
	EvTypeMemberCountChanged

	// EvTypeMemberStateChanged : メンバー状態(名前+ready)の通知(部屋全体)
	// payload: MemberStateChangedPayload
	EvTypeMemberStateChanged

	// EvTypeLoadGameplayScene : シーン遷移指示(spawn対象コネクションのみ)
	// payload: LoadGameplayScenePayload
	EvTypeLoadGameplayScene
)

type RoomJoinedPayload struct {
	Code string `msgpack:"code"`
}

type JoinFailedPayload struct {
	Reason string `msgpack:"reason"`
}

type MemberCountChangedPayload struct {
	Count    uint32 `msgpack:"count"`
	Capacity uint32 `msgpack:"capacity"`
}

type MemberStateChangedPayload struct {
	Name  string `msgpack:"name"`
	Ready bool   `msgpack:"ready"`
}

type LoadGameplayScenePayload struct {
	Scene string `msgpack:"scene"`
}

// Event from server to client via websocket.
type Event interface {
	Type() EvType
	Payload() []byte
}

// RegularEvent : シーケンス番号つきイベント
//
// binary format:
// | 8bit EvType | 32bit-be sequence number | payload ... |
type RegularEvent struct {
	typ     EvType
	payload []byte
}

func (ev *RegularEvent) Type() EvType    { return ev.typ }
func (ev *RegularEvent) Payload() []byte { return ev.payload }

// Marshal : 送信時にseq番号を焼き込む.
// seqはセッション(コネクション)ごとに採番されるためこの形になっている.
func (ev *RegularEvent) Marshal(seqNum int) []byte {
	buf := make([]byte, len(ev.payload)+5)
	buf[0] = byte(ev.typ)
	put32(buf[1:], seqNum)
	copy(buf[5:], ev.payload)
	return buf
}

// SystemEvent (without sequence number)
//
// binary format:
// | 8bit EvType | payload ... |
type SystemEvent struct {
	typ     EvType
	payload []byte
}

func (ev *SystemEvent) Type() EvType    { return ev.typ }
func (ev *SystemEvent) Payload() []byte { return ev.payload }

func (ev *SystemEvent) Marshal() []byte {
	buf := make([]byte, len(ev.payload)+1)
	buf[0] = byte(ev.typ)
	copy(buf[1:], ev.payload)
	return buf
}

// NewEvPeerReady : サーバ受信済みのMsgシーケンス番号を通知.
// これを受信後、クライアントはMsgを該当シーケンス番号の次から送信する.
func NewEvPeerReady(seqNum int) *SystemEvent {
	payload := make([]byte, 3)
	put24(payload, seqNum)
	return &SystemEvent{EvTypePeerReady, payload}
}

func UnmarshalEvPeerReadyPayload(payload []byte) (int, error) {
	if len(payload) < 3 {
		return 0, xerrors.Errorf("peer-ready payload length not enough: %v", len(payload))
	}
	return get24(payload), nil
}

func NewEvPong(pingtime uint64) *SystemEvent {
	payload := make([]byte, 8)
	put64(payload, pingtime)
	return &SystemEvent{EvTypePong, payload}
}

func NewEvRoomJoined(code string) *RegularEvent {
	payload, _ := msgpack.Marshal(&RoomJoinedPayload{Code: code})
	return &RegularEvent{EvTypeRoomJoined, payload}
}

func UnmarshalRoomJoinedPayload(payload []byte) (*RoomJoinedPayload, error) {
	p := &RoomJoinedPayload{}
	if err := msgpack.Unmarshal(payload, p); err != nil {
		return nil, xerrors.Errorf("unmarshal room-joined payload: %w", err)
	}
	return p, nil
}

func NewEvJoinFailed(reason string) *RegularEvent {
	payload, _ := msgpack.Marshal(&JoinFailedPayload{Reason: reason})
	return &RegularEvent{EvTypeJoinFailed, payload}
}

func UnmarshalJoinFailedPayload(payload []byte) (*JoinFailedPayload, error) {
	p := &JoinFailedPayload{}
	if err := msgpack.Unmarshal(payload, p); err != nil {
		return nil, xerrors.Errorf("unmarshal join-failed payload: %w", err)
	}
	return p, nil
}

func NewEvMemberCountChanged(count, capacity uint32) *RegularEvent {
	payload, _ := msgpack.Marshal(&MemberCountChangedPayload{Count: count, Capacity: capacity})
	return &RegularEvent{EvTypeMemberCountChanged, payload}
}

func UnmarshalMemberCountChangedPayload(payload []byte) (*MemberCountChangedPayload, error) {
	p := &MemberCountChangedPayload{}
	if err := msgpack.Unmarshal(payload, p); err != nil {
		return nil, xerrors.Errorf("unmarshal member-count payload: %w", err)
	}
	return p, nil
}

func NewEvMemberStateChanged(name string, ready bool) *RegularEvent {
	payload, _ := msgpack.Marshal(&MemberStateChangedPayload{Name: name, Ready: ready})
	return &RegularEvent{EvTypeMemberStateChanged, payload}
}

func UnmarshalMemberStateChangedPayload(payload []byte) (*MemberStateChangedPayload, error) {
	p := &MemberStateChangedPayload{}
	if err := msgpack.Unmarshal(payload, p); err != nil {
		return nil, xerrors.Errorf("unmarshal member-state payload: %w", err)
	}
	return p, nil
}

func NewEvLoadGameplayScene(scene string) *RegularEvent {
	payload, _ := msgpack.Marshal(&LoadGameplayScenePayload{Scene: scene})
	return &RegularEvent{EvTypeLoadGameplayScene, payload}
}

func UnmarshalLoadGameplayScenePayload(payload []byte) (*LoadGameplayScenePayload, error) {
	p := &LoadGameplayScenePayload{}
	if err := msgpack.Unmarshal(payload, p); err != nil {
		return nil, xerrors.Errorf("unmarshal load-scene payload: %w", err)
	}
	return p, nil
}

// UnmarshalEvent parses binary data, returns the event and its sequence
// number (0 for system events).
func UnmarshalEvent(data []byte) (Event, int, error) {
	if len(data) < 1 {
		return nil, 0, xerrors.Errorf("data length not enough: %v", len(data))
	}

	et := EvType(data[0])
	if et < regularEvType {
		switch et {
		case EvTypePeerReady, EvTypePong:
			return &SystemEvent{et, data[1:]}, 0, nil
		}
		return nil, 0, xerrors.Errorf("unknown event type: %v", et)
	}

	if len(data) < 5 {
		return nil, 0, xerrors.Errorf("regular event length not enough: %v", len(data))
	}
	seq := get32(data[1:])

	switch et {
	case EvTypeRoomJoined, EvTypeJoinFailed, EvTypeMemberCountChanged,
		EvTypeMemberStateChanged, EvTypeLoadGameplayScene:
		return &RegularEvent{et, data[5:]}, seq, nil
	}
	return nil, 0, xerrors.Errorf("unknown event type: %v", et)
}
