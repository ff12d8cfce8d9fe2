package main

import "github.com/burrownet/burrow/cmd"

func main() {
	cmd.Execute()
}
