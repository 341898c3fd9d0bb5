package lobby

import (
	"fmt"

	"roomnet/transport"
)

// Member : 部屋の中の1プレイヤー
type Member struct {
	conn   Conn
	name   string
	isHost bool
	ready  bool
}

func newMember(conn Conn, name string, isHost bool) *Member {
	if name == "" {
		name = fmt.Sprintf("Player %d", conn.ID())
	}
	return &Member{
		conn:   conn,
		name:   name,
		isHost: isHost,
	}
}

func (m *Member) Conn() Conn {
	return m.conn
}

func (m *Member) ID() transport.ConnID {
	return m.conn.ID()
}

func (m *Member) Name() string {
	return m.name
}

func (m *Member) IsHost() bool {
	return m.isHost
}

func (m *Member) Ready() bool {
	return m.ready
}
