//go:build ignore

package main

import (
	"fmt"
	"os"

	"github.com/loomtest/loom/pkg/schema"
)

func main() {
	data, err := schema.GenerateJSONSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile("schemas/testcase.json", data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("wrote schemas/testcase.json")

	modData, err := schema.GenerateModuleJSONSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error generating module schema: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile("schemas/module.json", modData, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("wrote schemas/module.json")
}
