// Package main is the entry point for the trafficlake binary.
package main

import (
	"os"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	"trafficlake/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
