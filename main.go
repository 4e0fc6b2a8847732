package main

import "github.com/nextlevelbuilder/metabot/cmd"

func main() {
	cmd.Execute()
}
