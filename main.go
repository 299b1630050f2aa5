package main

import "FaceAuthClient/cmd"

func main() {
	cmd.Execute()
}
