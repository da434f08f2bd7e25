package main

import (
	"log"
	"os"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	_ "github.com/klipach/firebridge"
)

const defaultPort = "8082"

// FUNCTION_TARGET=Port go run cmd/main.go
func main() {
	log.Println("Started")

	port := defaultPort
	if envPort := os.Getenv("PORT"); envPort != "" {
		port = envPort
	}
	if err := funcframework.Start(port); err != nil {
		log.Fatalf("funcframework.Start: %v\n", err)
	}

	log.Println("Done")
}
