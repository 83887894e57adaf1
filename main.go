package main

import "github.com/andresmejia3/facestage/cmd"

func main() {
	cmd.Execute()
}
