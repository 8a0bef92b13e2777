package main

import (
	"os"

	"github.com/bobuhiro11/gorr/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		os.Exit(1)
	}
}
