package main

import "github.com/bayangan1991/discord-key-bot/cmd"

func main() {
	cmd.Execute()
}
