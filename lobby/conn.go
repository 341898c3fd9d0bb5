package lobby

import (
	"roomnet/binary"
	"roomnet/transport"
)

// Conn : lobbyが必要とするコネクション操作.
// 実体はtransport.Connで、テストではフェイクに差し替える.
type Conn interface {
	ID() transport.ConnID
	IsActive() bool
	IsLocal() bool
	Send(ev *binary.RegularEvent) error
}
