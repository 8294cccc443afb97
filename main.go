package main

import "github.com/Organized-AI/claude-code-optimize-sub000/cmd"

func main() {
	cmd.Execute()
}
