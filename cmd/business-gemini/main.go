package main

import "github.com/zczy999/business-gemini/internal/cli"

func main() {
	cli.Execute()
}
