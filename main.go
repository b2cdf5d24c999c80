package main

import "FinanceFlow/server"

func main() {
	s := server.NewServer()
	s.Start("")
}
