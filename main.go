package main

import "github.com/jaliph/wa-relay/cmd"

func main() {
	cmd.Execute()
}
