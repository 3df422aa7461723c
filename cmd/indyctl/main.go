package main

import "github.com/xiaoxuxiansheng/goindy/cmd"

func main() {
	cmd.Execute()
}
