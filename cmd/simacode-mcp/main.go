// Command simacode-mcp runs the unified MCP tool gateway.
package main

func main() {
	Execute()
}
