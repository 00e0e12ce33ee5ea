package main

import "github.com/ngld/knossos/packages/stardsl/cmd"

func main() {
	cmd.Execute()
}
