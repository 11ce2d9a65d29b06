package main

import "github.com/illmade-knight/go-iot-simulator/pkg/cli"

func main() {
	cli.Execute()
}
