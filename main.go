package main

import "github.com/TD-Producoes/revshare-sub005/cmd"

func main() {
	cmd.Execute()
}
