package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"roomnet/client"
	"roomnet/game"
	"roomnet/service"
)

var (
	hostCapacity uint32
	startAfter   time.Duration
)

// hostCmd : サーバを起動して部屋を作り、自分も入室する
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Host a match",
	Long:  `Host a match: サーバを起動して部屋を作り、コードを表示する`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHost(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
	hostCmd.Flags().Uint32VarP(&hostCapacity, "capacity", "c", 0, "Room capacity (0: server default)")
	hostCmd.Flags().DurationVar(&startAfter, "start-after", 0, "Start the match after this delay (0: never)")
}

// localAllocator : botプロセス内でサーバを起動するAllocator
type localAllocator struct {
	svc *service.Service
	url string
}

func (a *localAllocator) Allocate(ctx context.Context) (string, string, error) {
	go func() {
		if err := a.svc.Serve(ctx); err != nil {
			logger().Errorf("serve: %v", err)
		}
	}()
	return a.url, a.svc.Server().LocalKey(), nil
}

func (a *localAllocator) Reallocate(ctx context.Context) (string, error) {
	// リスナはServeが持ち続けるので貼り直しは不要. 接続し直すだけ.
	return a.url, nil
}

func runHost(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-ctx.Done():
		case <-ch:
			cancel()
		}
	}()

	conf := botConfig()
	svc, err := service.New(nil, conf, game.NewMemoryHost())
	if err != nil {
		return err
	}

	alloc := &localAllocator{
		svc: svc,
		url: fmt.Sprintf("ws://127.0.0.1:%d/rooms", conf.Server.WebsocketPort),
	}

	co := client.NewCoordinator(&conf.Client, logger())
	code, err := co.HostMatch(ctx, alloc, playerName, hostCapacity)
	if err != nil {
		return err
	}
	fmt.Printf("room code: %v\n", code)

	if startAfter > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(startAfter):
		}
		if err := co.StartMatch(ctx); err != nil {
			return err
		}
		fmt.Println("match started")
	}

	<-ctx.Done()
	return co.Leave("bot finished")
}
