package main

import (
	"fmt"
	"os"

	"github.com/turtacn/Procwarden/internal/cli"
	"github.com/turtacn/Procwarden/pkg/detach"
	"github.com/turtacn/Procwarden/pkg/logger"
)

func main() {
	// the binary doubles as the intermediate child of detached launches
	if detach.Init() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			if logger.Log != nil {
				logger.Log.Error("Panic recovered", "panic", r)
			} else {
				fmt.Fprintf(os.Stderr, "Panic recovered: %v\n", r)
			}
			os.Exit(1)
		}
	}()

	cli.Execute()
}

// Personal.AI order the ending
