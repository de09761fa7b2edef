package main

import "devstack/internal/app"

func main() {
	app.Execute()
}
