// Copyright 2026 The Flyclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command clean-db empties the registry tables of a development database.
// The gateway config tables are kept so the gateway does not re-seed.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/flyclaw/flyclaw/internal/config"
	"github.com/flyclaw/flyclaw/internal/store/postgres"
)

var tables = []string{
	"workspace_signals",
	"credentials",
	"tenants",
}

func main() {
	ctx := context.Background()
	config.LoadEnvFiles()

	connStr := os.Getenv("DATABASE_URL")
	if len(os.Args) > 1 {
		connStr = os.Args[1]
	}
	if connStr == "" {
		fmt.Fprintln(os.Stderr, "usage: clean-db [postgres-url] (or set DATABASE_URL)")
		os.Exit(2)
	}

	db, err := postgres.New(ctx, postgres.Config{URL: connStr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("Cleaning database...")
	for _, table := range tables {
		if _, err := db.Pool().Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			fmt.Printf("Warning: failed to truncate %s: %v\n", table, err)
			continue
		}
		fmt.Printf("Cleared %s\n", table)
	}
}
