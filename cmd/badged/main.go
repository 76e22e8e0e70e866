package main

import (
	"log"

	"badged/service"
)

func main() {
	if err := service.Main(); err != nil {
		log.Fatalf("badged: %v", err)
	}
}
