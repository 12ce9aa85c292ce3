// Entrypoint for the Cobra CLI; command wiring lives in cmd/root.go.

package main

import (
	"github.com/sgl-project/disagg-lb/cmd"
)

func main() {
	cmd.Execute()
}
