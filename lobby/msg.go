package lobby

// Msg : Room.MsgLoopに流し込む内部メッセージ.
// wireから来るmsg(binary.Msg)をRegistryが型付けして詰め替える.
type Msg interface {
	msg()
}

// JoinedInfo : 入室成功の応答
type JoinedInfo struct {
	Room   *Room
	Member *Member
}

type MsgJoin struct {
	Conn   Conn
	Name   string
	AsHost bool
	Res    chan<- error
	Joined chan<- JoinedInfo
}

type MsgToggleReady struct {
	Conn Conn
}

type MsgStartMatch struct {
	Conn Conn
	Res  chan<- error
}

type MsgLeave struct {
	Conn    Conn
	Message string
}

// MsgConnStopped : transport層の切断通知.
// 未入室のconnに対しても送られうるので、部屋側はメンバーに居なければ無視する.
type MsgConnStopped struct {
	Conn Conn
}

func (MsgJoin) msg()        {}
func (MsgToggleReady) msg() {}
func (MsgStartMatch) msg()  {}
func (MsgLeave) msg()       {}
func (MsgConnStopped) msg() {}
