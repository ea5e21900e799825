// Copyright The CILPE Authors
// SPDX-License-Identifier: Apache-2.0

// Package mddecoder loads a compiled CLI module in its PE container, parses
// the embedded metadata tables and per-method IL bodies, and exposes a typed
// view of that content to an upstream analysis engine.
//
// The CLI file format is specified in ECMA-335. For the main references see:
//
//	ECMA-335 https://www.ecma-international.org/wp-content/uploads/ECMA-335_6th_edition_june_2012.pdf
//
// The pieces fit together as follows. A Loader reads the whole file into an
// ImageBuffer, walks the PE section table to find the executable sections,
// and opens a metadata Backend over the same buffer. The default Backend is
// TableScope, a parser for the ECMA-335 II.24 physical metadata (the #~
// tables stream and the #Strings/#US/#Blob/#GUID heaps). Typed enumerators
// on the Loader lift raw table rows into records; for each method the
// Loader translates the method RVA to a file position, decodes the tiny or
// fat IL header there, and attaches the body bytes, the local-variable
// signature, and the exception-handling clause table. An ILReader then
// consumes a decoded body one instruction operand at a time, resolving
// metadata token operands through a caller-supplied TokenMap.
//
// Everything here is purely analytic: nothing is executed, verified, or
// written back. A Loader and all views derived from it are owned by a
// single goroutine; callers that parallelize across images construct one
// Loader per image.
package mddecoder // import "github.com/cilpe/mddecoder"
