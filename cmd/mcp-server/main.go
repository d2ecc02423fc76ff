package main

import "github.com/takashabe/smart-web-search-mcp/internal/cmd"

func main() {
	cmd.Execute()
}
