package main

import "github.com/edgeflare/furnace/cmd/furnace"

func main() {
	furnace.Main()
}
