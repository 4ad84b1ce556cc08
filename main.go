package main

import "example.com/NullTerm/cmd"

func main() {
	cmd.Execute()
}
