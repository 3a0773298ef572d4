package main

import "github.com/andresmejia3/blinktrace/cmd"

func main() {
	cmd.Execute()
}
