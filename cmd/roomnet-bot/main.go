package main

import (
	"roomnet/cmd/roomnet-bot/cmd"
)

func main() {
	cmd.Execute()
}
