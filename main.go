package main

import (
	"log"

	"umapi.wikimetrics.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
