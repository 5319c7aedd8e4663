/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/maqalati/server/cmd"

func main() {
	cmd.Execute()
}
