package game

import (
	"sync"

	"golang.org/x/xerrors"

	"roomnet/lobby"
	"roomnet/transport"
)

// MemoryHost is an in-process EntityHost.
// ゲームエンジン側が居ないスタンドアロン起動やbotで使う.
type MemoryHost struct {
	mu      sync.Mutex
	globals []string
	players map[transport.ConnID]string
}

func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		players: make(map[transport.ConnID]string),
	}
}

func (h *MemoryHost) SpawnGlobal(template string) error {
	if template == "" {
		return xerrors.New("empty template")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.globals = append(h.globals, template)
	return nil
}

func (h *MemoryHost) SpawnPlayer(conn lobby.Conn, template string) error {
	if template == "" {
		return xerrors.New("empty template")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.players[conn.ID()]; ok {
		return xerrors.Errorf("conn %v already has a player", conn.ID())
	}
	h.players[conn.ID()] = template
	return nil
}

func (h *MemoryHost) HasPlayer(conn lobby.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.players[conn.ID()]
	return ok
}

// Globals : 生成済みのグローバルエンティティ一覧
func (h *MemoryHost) Globals() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.globals...)
}

// PlayerCount : spawn済みプレイヤー数
func (h *MemoryHost) PlayerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.players)
}
