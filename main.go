package main

import "github.com/trikhub/trikhub/cmd"

func main() {
	cmd.Execute()
}
