package main

import "github.com/jmcleod/ironsync/cmd/ironsync/cmd"

func main() {
	cmd.Execute()
}
