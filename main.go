package main

import (
	"context"
	"os"

	"github.com/michaelpento.lv/polyarb/cmd"
	"github.com/michaelpento.lv/polyarb/utils"
)

func main() {
	defer utils.CleanupLogger()

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
