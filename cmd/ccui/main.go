package main

import "github.com/ccui-dev/ccui/internal/cmd"

func main() {
	cmd.Execute()
}
