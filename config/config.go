package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"golang.org/x/xerrors"
)

type Config struct {
	Db     DbConf `toml:"Database"`
	Server ServerConf
	Lobby  LobbyConf
	Client ClientConf
}

type LogConf struct {
	// stdout をローカル開発用のフォーマットにする
	LogStdoutConsole bool `toml:"log_stdout_console"`
	// stdout のログレベル設定
	LogStdoutLevel uint32 `toml:"log_stdout_level"`

	// ローテーション設定
	// https://github.com/natefinch/lumberjack#type-logger
	LogPath       string `toml:"log_path"`
	LogMaxSize    int    `toml:"log_max_size"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAge     int    `toml:"log_max_age"`
	LogCompress   bool   `toml:"log_compress"`
}

type DbConf struct {
	Host     string
	Port     int
	DBName   string
	AuthFile string
	User     string
	Password string

	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
	MaxConns        int      `toml:"max_conns"`
}

type ServerConf struct {
	// Hostname : 管理ツールなどからのアクセス名. see Load()
	Hostname string
	// PublicName : クライアントからのアクセス名. see Load()
	PublicName string `toml:"public_name"`

	WebsocketPort int `toml:"websocket_port"`
	PprofPort     int `toml:"pprof_port"`

	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	DefaultLoglevel uint32 `toml:"default_loglevel"`

	HeartBeatInterval Duration `toml:"heartbeat_interval"`

	LogConf
}

type LobbyConf struct {
	// RetryCount : 部屋コード生成の衝突リトライ上限
	RetryCount int `toml:"retry_count"`
	// CodeLength : 部屋コード文字数
	CodeLength int `toml:"code_length"`

	DefaultMaxMembers uint32 `toml:"default_max_members"`

	// ClientDeadline : この間メッセージの無いコネクションをタイムアウトとする
	ClientDeadline Duration `toml:"client_deadline"`

	// RequireReady : StartMatchで全員のready確認を必須にする
	RequireReady bool `toml:"require_ready"`

	// SettleDelay : シーンロード指示からspawnパスまでの待ち時間
	SettleDelay Duration `toml:"settle_delay"`

	// PlayerTemplate : spawnするプレイヤーエンティティのテンプレート識別子
	PlayerTemplate string `toml:"player_template"`
	// GameplayScene : LoadGameplaySceneで指示するシーン識別子
	GameplayScene string `toml:"gameplay_scene"`
}

type ClientConf struct {
	// ConfirmTimeout : 部屋確認イベント待ちのタイムアウト(1試行あたり)
	ConfirmTimeout Duration `toml:"confirm_timeout"`
	// RetryCount : 確認待ちリトライ回数上限
	RetryCount int `toml:"retry_count"`
	// RetryBackoff : リトライ間隔の初期値(毎回2倍, capあり)
	RetryBackoff Duration `toml:"retry_backoff"`
	// RetryBackoffMax : リトライ間隔の上限
	RetryBackoffMax Duration `toml:"retry_backoff_max"`

	// PingInterval : タイムアウト防止pingの間隔.
	// サーバ側のclient_deadlineより十分短くすること.
	PingInterval Duration `toml:"ping_interval"`

	Loglevel uint32 `toml:"loglevel"`

	LogConf
}

type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	*d = Duration(td)
	return err
}

// Load : tomlファイルから読み込む
//
// 次の環境変数はtomlより優先される.
// - ROOMNET_HOSTNAME:   Config.Server.Hostname
// - ROOMNET_PUBLICNAME: Config.Server.PublicName
// - ROOMNET_WSPORT:     Config.Server.WebsocketPort
func Load(conffile string) (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	c := &Config{
		// set default values before decode file.
		Server: ServerConf{
			Hostname:   hostname,
			PublicName: hostname,

			WebsocketPort: 8000,
			PprofPort:     3000,

			DefaultLoglevel: 2,

			HeartBeatInterval: Duration(2 * time.Second),

			LogConf: LogConf{
				LogStdoutLevel: 4,
				LogPath:        "/var/log/roomnet/roomnet-server.log",
				LogMaxSize:     500,
				LogMaxBackups:  0,
				LogMaxAge:      0,
				LogCompress:    false,
			},
		},
		Lobby: LobbyConf{
			RetryCount: 5,
			CodeLength: 6,

			DefaultMaxMembers: 8,

			ClientDeadline: Duration(30 * time.Second),

			RequireReady: false,

			SettleDelay:    Duration(500 * time.Millisecond),
			PlayerTemplate: "Player",
			GameplayScene:  "Game",
		},
		Client: ClientConf{
			ConfirmTimeout:  Duration(5 * time.Second),
			RetryCount:      8,
			RetryBackoff:    Duration(500 * time.Millisecond),
			RetryBackoffMax: Duration(7 * time.Second),
			PingInterval:    Duration(10 * time.Second),

			Loglevel: 2,

			LogConf: LogConf{
				LogStdoutLevel: 4,
				LogPath:        "/var/log/roomnet/roomnet-bot.log",
				LogMaxSize:     500,
			},
		},
	}

	confBytes, err := os.ReadFile(conffile)
	if err != nil {
		return nil, err
	}

	err = toml.Unmarshal(confBytes, c)
	if err != nil {
		return nil, err
	}

	err = c.Db.loadAuthfile(conffile)
	if err != nil {
		return nil, err
	}

	c.applyEnvVar()

	return c, nil
}

func (db *DbConf) loadAuthfile(conffile string) error {
	if db.AuthFile == "" {
		return nil
	}
	authfile := db.AuthFile
	if authfile[0] != '/' {
		authfile = path.Join(path.Dir(conffile), authfile)
	}
	content, err := os.ReadFile(authfile)
	if err != nil {
		return err
	}
	ss := strings.SplitN(strings.TrimSpace(string(content)), ":", 2)
	if len(ss) != 2 {
		return xerrors.Errorf("Db authfile format error: %q", string(content))
	}

	db.User = ss[0]
	db.Password = ss[1]
	return nil
}

func (db *DbConf) DSN() string {
	user := db.User
	if db.Password != "" {
		user = fmt.Sprintf("%s:%s", db.User, db.Password)
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", user, db.Host, db.Port, db.DBName)
}

// applyEnvVar : 環境変数で上書きする
func (c *Config) applyEnvVar() {
	if v := os.Getenv("ROOMNET_HOSTNAME"); v != "" {
		c.Server.Hostname = v
	}
	if v := os.Getenv("ROOMNET_PUBLICNAME"); v != "" {
		c.Server.PublicName = v
	}
	if v, err := strconv.Atoi(os.Getenv("ROOMNET_WSPORT")); err == nil {
		c.Server.WebsocketPort = v
	}
}
