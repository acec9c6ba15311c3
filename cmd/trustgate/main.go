package main

import "github.com/trustgate/trustgate/cmd/trustgate/cmd"

func main() {
	cmd.Execute()
}
