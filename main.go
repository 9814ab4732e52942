package main

import "github.com/arcward/beanbot/cmd"

func main() {
	cmd.Execute()
}
