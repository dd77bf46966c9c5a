package main

import "github.com/umit/resql/cmd"

func main() {
	cmd.Execute()
}
