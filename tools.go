//go:build tools
// +build tools

// Code generators used by go:generate, pinned here so go.mod keeps
// them as explicit dependencies.
package main

import (
	_ "go.uber.org/mock/mockgen"
)
