package main

import "github.com/hepio/xrdfed/cmd"

func main() {
	cmd.Execute()
}
