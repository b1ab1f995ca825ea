package main

import "github.com/joshcarp/musicgen"

func main() {
	musicgen.InitializeCommand()
}
