package main

import "github.com/crewline/crewline/cmd/crewline/commands"

func main() {
	commands.Execute()
}
