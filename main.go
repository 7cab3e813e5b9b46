package main

import "github.com/nbelthan/whstudio-settlement/cmd"

func main() {
	cmd.Execute()
}
