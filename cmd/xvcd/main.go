package main

import "github.com/OpenTraceLab/OpenTraceXVC/cmd/xvcd/cmd"

func main() {
	cmd.Execute()
}
