/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "riderpi/cmd"

func main() {
	cmd.Execute()
}
