package main

import "github.com/ozanturksever/go-redundancy/cmd/redundant-set/cmd"

func main() {
	cmd.Execute()
}
