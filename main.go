package main

import "github.com/SingSongScreamAlong/ProjectBlackBox-sub000/cmd"

func main() {
	cmd.Execute()
}
