package main

import "github.com/xkilldash9x/tokenbridge/cmd"

func main() {
	cmd.Execute()
}
