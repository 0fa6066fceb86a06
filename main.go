package main

import "github.com/whiteboardmonk/agcluster-container-sub000/cmd"

func main() {
	cmd.Execute()
}
