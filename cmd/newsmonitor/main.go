package main

import (
	"os"

	"horse.fit/newsmonitor/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
