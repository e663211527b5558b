// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
)

func main() {
	os.Exit(Main(os.Args[1:], os.LookupEnv, os.Stderr, newSignals()))
}
