package main

import (
	"os"

	"github.com/go-luadbg/luadbg/cmd/luadbg/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
