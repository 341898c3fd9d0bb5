package game

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"roomnet/config"
	"roomnet/lobby"
)

// BootstrapTemplate : マッチ開始時に全員に見えるように生成するエンティティ
const BootstrapTemplate = "GameSessionBootstrap"

// EntityHost is the boundary to the gameplay-side entity layer.
// The lobby core calls exactly these three operations.
type EntityHost interface {
	// SpawnGlobal : 全コネクションから見えるエンティティを生成する
	SpawnGlobal(template string) error
	// SpawnPlayer : connの専有エンティティを生成する
	SpawnPlayer(conn lobby.Conn, template string) error
	// HasPlayer : connがすでにプレイヤーエンティティを持っているか
	HasPlayer(conn lobby.Conn) bool
}

// Bootstrap runs the one-shot spawn pass after a match starts.
type Bootstrap struct {
	host EntityHost
	conf *config.LobbyConf

	logger *zap.SugaredLogger
}

func NewBootstrap(host EntityHost, conf *config.LobbyConf, logger *zap.SugaredLogger) *Bootstrap {
	return &Bootstrap{
		host:   host,
		conf:   conf,
		logger: logger,
	}
}

// Run : spawnパス.
// シーンロード指示から settle 分だけ待ってから、そのとき生きている
// コネクションを再列挙して1人1エンティティを保証する.
// liveは呼び出し時点の在室コネクションを返すこと.
func (b *Bootstrap) Run(ctx context.Context, live func() []lobby.Conn) error {
	if b.conf.PlayerTemplate == "" {
		return xerrors.New("player template not configured")
	}

	if err := b.host.SpawnGlobal(BootstrapTemplate); err != nil {
		return xerrors.Errorf("spawn bootstrap entity: %w", err)
	}

	t := time.NewTimer(time.Duration(b.conf.SettleDelay))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	// 開始時点のスナップショットではなく、いま生きているconnを使う
	for _, conn := range live() {
		if !conn.IsActive() {
			continue
		}
		// spawn直前の再確認. 再接続やリトライで二重spawnさせない.
		if b.host.HasPlayer(conn) {
			b.logger.Debugf("conn %v already owns a player entity", conn.ID())
			continue
		}
		if err := b.host.SpawnPlayer(conn, b.conf.PlayerTemplate); err != nil {
			b.logger.Errorf("spawn player: conn=%v: %v", conn.ID(), err)
			continue
		}
		b.logger.Infof("player spawned: conn=%v template=%v", conn.ID(), b.conf.PlayerTemplate)
	}
	return nil
}
