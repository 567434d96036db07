package main

import "latbench/cmd"

func main() {
	cmd.Execute()
}
