package main

import "github.com/Manu343726/dmtrap/cmd"

func main() {
	cmd.Execute()
}
