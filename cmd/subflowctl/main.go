package main

import "github.com/arcavia/subflow/cmd"

func main() {
	cmd.Execute()
}
