package main

import "github.com/04041b/segfetch/cmd"

func main() {
	cmd.Execute()
}
