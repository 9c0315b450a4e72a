package main

import "github.com/turbolytics/pricewatch/internal/cmd"

func main() {
	cmd.Execute()
}
