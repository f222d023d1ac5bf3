package main

import "github.com/dbsmedya/tap-bigquery/cmd/tap-bigquery/cmd"

func main() {
	cmd.Execute()
}
