package binary

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/xerrors"
)

// Msg from client via websocket
//
// regular msg binary format:
// | 8bit MsgType | 24bit-be sequence number | payload ... |
//
// nonregular msg binary format:
// | 8bit MsgType | payload ... |
//
// payloads are msgpack maps unless noted otherwise.
type Msg interface {
	Type() MsgType
	Payload() []byte
	Marshal() []byte
}

// RegularMsg : 順序保証・再送対象のMsg
type RegularMsg interface {
	Msg
	SequenceNum() int
}

type MsgType byte

const regularMsgType = 30

const (
	// MsgTypePing : タイムアウト防止定期通信
	// payload: | unsigned 64bit-be timestamp (millisec) |
	MsgTypePing MsgType = 1 + iota
)

const (
	// MsgTypeCreateRoom : 部屋作成(作成者はそのまま入室)
	// payload: CreateRoomPayload
	MsgTypeCreateRoom MsgType = regularMsgType + iota

	// MsgTypeJoinRoom : コード指定入室
	// payload: JoinRoomPayload
	MsgTypeJoinRoom

	// MsgTypeToggleReady : 自身のready状態反転
	// payload: empty
	MsgTypeToggleReady

	// MsgTypeStartMatch : マッチ開始(部屋メンバーからのみ有効)
	// payload: StartMatchPayload
	MsgTypeStartMatch

	// MsgTypeLeave : 自発的退室
	// payload: LeavePayload
	MsgTypeLeave
)

type CreateRoomPayload struct {
	Name       string `msgpack:"name"`
	MaxMembers uint32 `msgpack:"max_members"`
}

type JoinRoomPayload struct {
	Code string `msgpack:"code"`
	Name string `msgpack:"name"`
}

type StartMatchPayload struct {
	Code string `msgpack:"code"`
}

type LeavePayload struct {
	Message string `msgpack:"message"`
}

type nonregularMsg struct {
	typ     MsgType
	payload []byte
}

func (m *nonregularMsg) Type() MsgType   { return m.typ }
func (m *nonregularMsg) Payload() []byte { return m.payload }

func (m *nonregularMsg) Marshal() []byte {
	buf := make([]byte, len(m.payload)+1)
	buf[0] = byte(m.typ)
	copy(buf[1:], m.payload)
	return buf
}

type regularMsg struct {
	typ     MsgType
	seq     int
	payload []byte
}

func (m *regularMsg) Type() MsgType    { return m.typ }
func (m *regularMsg) Payload() []byte  { return m.payload }
func (m *regularMsg) SequenceNum() int { return m.seq }

func (m *regularMsg) Marshal() []byte {
	buf := make([]byte, len(m.payload)+4)
	buf[0] = byte(m.typ)
	put24(buf[1:], m.seq)
	copy(buf[4:], m.payload)
	return buf
}

// NewMsgPing : payloadは送信時刻(ミリ秒)
func NewMsgPing(now time.Time) Msg {
	payload := make([]byte, 8)
	put64(payload, uint64(now.UnixNano())/1000000)
	return &nonregularMsg{MsgTypePing, payload}
}

func UnmarshalPingPayload(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, xerrors.Errorf("ping payload length not enough: %v", len(payload))
	}
	return get64(payload), nil
}

// NewRegularMsg : seq番号つきMsgを組み立てる.
// payloadのmsgpack encodeは呼び出し側 (MarshalCreateRoomPayload等) が行う.
func NewRegularMsg(typ MsgType, seq int, payload []byte) RegularMsg {
	return &regularMsg{typ, seq, payload}
}

func MarshalCreateRoomPayload(p *CreateRoomPayload) []byte {
	buf, _ := msgpack.Marshal(p)
	return buf
}

func UnmarshalCreateRoomPayload(payload []byte) (*CreateRoomPayload, error) {
	p := &CreateRoomPayload{}
	if err := msgpack.Unmarshal(payload, p); err != nil {
		return nil, xerrors.Errorf("unmarshal create-room payload: %w", err)
	}
	return p, nil
}

func MarshalJoinRoomPayload(p *JoinRoomPayload) []byte {
	buf, _ := msgpack.Marshal(p)
	return buf
}

func UnmarshalJoinRoomPayload(payload []byte) (*JoinRoomPayload, error) {
	p := &JoinRoomPayload{}
	if err := msgpack.Unmarshal(payload, p); err != nil {
		return nil, xerrors.Errorf("unmarshal join-room payload: %w", err)
	}
	return p, nil
}

func MarshalStartMatchPayload(p *StartMatchPayload) []byte {
	buf, _ := msgpack.Marshal(p)
	return buf
}

func UnmarshalStartMatchPayload(payload []byte) (*StartMatchPayload, error) {
	p := &StartMatchPayload{}
	if err := msgpack.Unmarshal(payload, p); err != nil {
		return nil, xerrors.Errorf("unmarshal start-match payload: %w", err)
	}
	return p, nil
}

func MarshalLeavePayload(p *LeavePayload) []byte {
	buf, _ := msgpack.Marshal(p)
	return buf
}

func UnmarshalLeavePayload(payload []byte) (*LeavePayload, error) {
	p := &LeavePayload{}
	if err := msgpack.Unmarshal(payload, p); err != nil {
		return nil, xerrors.Errorf("unmarshal leave payload: %w", err)
	}
	return p, nil
}

// UnmarshalMsg parses binary data into a Msg.
func UnmarshalMsg(data []byte) (Msg, error) {
	if len(data) < 1 {
		return nil, xerrors.Errorf("data length not enough: %v", len(data))
	}

	mt := MsgType(data[0])
	if mt < regularMsgType {
		switch mt {
		case MsgTypePing:
			return &nonregularMsg{mt, data[1:]}, nil
		}
		return nil, xerrors.Errorf("unknown msg type: %v", mt)
	}

	if len(data) < 4 {
		return nil, xerrors.Errorf("regular msg length not enough: %v", len(data))
	}
	seq := get24(data[1:])

	switch mt {
	case MsgTypeCreateRoom, MsgTypeJoinRoom, MsgTypeToggleReady, MsgTypeStartMatch, MsgTypeLeave:
		return &regularMsg{mt, seq, data[4:]}, nil
	}
	return nil, xerrors.Errorf("unknown msg type: %v", mt)
}
