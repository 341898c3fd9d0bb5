package config

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	filename := "testdata/test.toml"

	c, err := Load(filename)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	db := DbConf{
		Host:     "localhost",
		Port:     3306,
		DBName:   "roomnet",
		AuthFile: "dbauth",
		User:     "roomnetuser",
		Password: "roomnetpass",
	}
	if diff := cmp.Diff(c.Db, db); diff != "" {
		t.Fatalf("c.Db differs: (-got +want)\n%s", diff)
	}

	hostname, _ := os.Hostname()
	server := ServerConf{
		Hostname:   "roomnet.localhost",
		PublicName: hostname,

		WebsocketPort: 8000,
		PprofPort:     3000,

		DefaultLoglevel: 2,

		HeartBeatInterval: Duration(time.Second * 10),

		LogConf: LogConf{
			LogStdoutConsole: true,
			LogStdoutLevel:   3,
			LogPath:          "/tmp/roomnet-server.log",
			LogMaxSize:       1,
			LogMaxBackups:    2,
			LogMaxAge:        3,
			LogCompress:      true,
		},
	}
	if diff := cmp.Diff(c.Server, server); diff != "" {
		t.Fatalf("c.Server differs: (-got +want)\n%s", diff)
	}

	lobby := LobbyConf{
		RetryCount: 3,
		CodeLength: 6,

		DefaultMaxMembers: 4,

		ClientDeadline: Duration(time.Second * 20),

		RequireReady: true,

		SettleDelay:    Duration(time.Second),
		PlayerTemplate: "Hero",
		GameplayScene:  "Arena",
	}
	if diff := cmp.Diff(c.Lobby, lobby); diff != "" {
		t.Fatalf("c.Lobby differs: (-got +want)\n%s", diff)
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("testdata/minimal.toml")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if c.Lobby.DefaultMaxMembers != 8 {
		t.Fatalf("DefaultMaxMembers = %v, wants 8", c.Lobby.DefaultMaxMembers)
	}
	if c.Lobby.RequireReady {
		t.Fatalf("RequireReady must default to false")
	}
	if c.Client.RetryCount != 8 {
		t.Fatalf("Client.RetryCount = %v, wants 8", c.Client.RetryCount)
	}
}

func TestDbConf_DSN(t *testing.T) {
	db := DbConf{
		Host:     "localhost",
		Port:     3306,
		DBName:   "roomnet",
		AuthFile: "dbauth",
		User:     "roomnetuser",
		Password: "roomnetpass",
	}
	want := "roomnetuser:roomnetpass@tcp(localhost:3306)/roomnet?parseTime=true"
	if dsn := db.DSN(); dsn != want {
		t.Fatalf("DSN = %s, wants %s", dsn, want)
	}
}
