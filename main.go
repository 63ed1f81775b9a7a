package main

import "github.com/grab-ia/grabia/cmd"

func main() {
	cmd.Execute()
}
