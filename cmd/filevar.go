// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"os"

	"github.com/juju/errors"
)

// FileVar represents a path to a file.
type FileVar struct {
	Path string
}

// Set stores the path.
func (f *FileVar) Set(v string) error {
	if v == "" {
		return errors.NotValidf("empty path")
	}
	f.Path = v
	return nil
}

// IsSet reports whether a path was given.
func (f *FileVar) IsSet() bool {
	return f.Path != ""
}

// Read returns the contents of the file, relative to the context.
func (f *FileVar) Read(ctx *Context) ([]byte, error) {
	if f.Path == "" {
		return nil, errors.NotValidf("empty path")
	}
	data, err := os.ReadFile(ctx.AbsPath(f.Path))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return data, nil
}

// String returns the path to the file.
func (f *FileVar) String() string {
	return f.Path
}
