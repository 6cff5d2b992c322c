package main

import "github.com/refold-languages/refoldbot/cmd"

func main() {
	cmd.Execute()
}
