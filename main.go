package main

import "github.com/open-r/openr/cmd"

func main() {
	cmd.Execute()
}
