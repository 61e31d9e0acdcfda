package main

import "github.com/mentorium/billing/cmd"

func main() {
	cmd.Execute()
}
