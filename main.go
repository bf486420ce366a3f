package main

import "dhtlab/cmd"

func main() {
	cmd.Execute()
}
