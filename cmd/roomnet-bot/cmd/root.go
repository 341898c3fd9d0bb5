package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"roomnet/config"
	"roomnet/log"
)

var (
	serverURL  string
	playerName string
	timeout    time.Duration
	loglevel   uint32
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "roomnet-bot",
	Short: "roomnet testing bot",
	Long:  `roomnet testing bot: ホスト・入室それぞれの動作確認に使う`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "ws://localhost:8000/rooms", "Server URL")
	rootCmd.PersistentFlags().StringVarP(&playerName, "name", "n", "", "Display name (empty: server generates one)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 5*time.Minute, "Timeout")
	rootCmd.PersistentFlags().Uint32VarP(&loglevel, "loglevel", "v", 3, "Log level")
}

// botConfig : botはtomlを読まずデフォルト相当の設定で動く
func botConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConf{
			Hostname:        "localhost",
			PublicName:      "localhost",
			WebsocketPort:   18000,
			DefaultLoglevel: loglevel,
		},
		Lobby: config.LobbyConf{
			RetryCount:        5,
			CodeLength:        6,
			DefaultMaxMembers: 8,
			ClientDeadline:    config.Duration(30 * time.Second),
			SettleDelay:       config.Duration(500 * time.Millisecond),
			PlayerTemplate:    "Player",
			GameplayScene:     "Game",
		},
		Client: config.ClientConf{
			ConfirmTimeout:  config.Duration(5 * time.Second),
			RetryCount:      8,
			RetryBackoff:    config.Duration(500 * time.Millisecond),
			RetryBackoffMax: config.Duration(7 * time.Second),
			PingInterval:    config.Duration(10 * time.Second),
			Loglevel:        loglevel,
		},
	}
}

func logger() *zap.SugaredLogger {
	log.SetLevel(log.Level(loglevel))
	return log.Get(log.Level(loglevel)).Sugar()
}
