package main

import "github.com/lumenchat/lumen/cmd"

func main() {
	cmd.Execute()
}
