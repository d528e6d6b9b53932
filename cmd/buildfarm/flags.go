// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// builderListFlag is the implementation of [pflag.Value]
// for adding builders on the command line,
// supplementing those from the configuration files.
type builderListFlag struct {
	builders *[]builderConfig
}

var _ pflag.Value = builderListFlag{}

func (f builderListFlag) Type() string { return "stringArray" }

func (f builderListFlag) String() string {
	sb := new(strings.Builder)
	for i, b := range *f.builders {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(b.ID)
		sb.WriteString("=")
		sb.WriteString(b.Socket)
	}
	return sb.String()
}

func (f builderListFlag) Set(s string) error {
	id, socket, ok := strings.Cut(s, "=")
	if !ok || id == "" || socket == "" {
		return fmt.Errorf("malformed builder %q (want id=socket)", s)
	}
	*f.builders = append(*f.builders, builderConfig{ID: id, Socket: socket})
	return nil
}
