// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

package mddecoder // import "github.com/cilpe/mddecoder"

import "errors"

var (
	// ErrFormat indicates a malformed PE image, signature blob or method
	// body: bad magic, a signature grammar element out of place, a cursor
	// read past the end of a buffer.
	ErrFormat = errors.New("malformed CLI data")

	// ErrMetadata indicates that the metadata backend refused an
	// operation: a missing stream, a row index out of range, a token
	// whose table is not held by the scope.
	ErrMetadata = errors.New("metadata error")
)
