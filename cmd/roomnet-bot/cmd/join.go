package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"roomnet/client"
)

var joinReady bool

// joinCmd : コード指定で部屋に入る
var joinCmd = &cobra.Command{
	Use:   "join <code>",
	Short: "Join a match by room code",
	Long:  `Join a match: コードで部屋に入り、状態の変化を表示する`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
	joinCmd.Flags().BoolVarP(&joinReady, "ready", "r", false, "Toggle ready after joining")
}

func runJoin(ctx context.Context, code string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conf := botConfig()
	co := client.NewCoordinator(&conf.Client, logger())
	if err := co.JoinMatch(ctx, serverURL, code, playerName); err != nil {
		return err
	}
	view := co.RoomView()
	fmt.Printf("joined room %v (%v/%v)\n", view.Code, view.Count, view.Capacity)

	if joinReady {
		if err := co.ToggleReady(); err != nil {
			return err
		}
	}

	// シーンロード指示が来るか打ち切りまで観測を続ける
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return co.Leave("bot finished")
		case <-t.C:
		}
		state, reason := co.State()
		switch state {
		case client.StateInGame:
			fmt.Printf("scene loaded: %v\n", co.RoomView().Scene)
			<-ctx.Done()
			return co.Leave("bot finished")
		case client.StateFailed:
			return fmt.Errorf("session failed: %v", reason)
		}
	}
}
