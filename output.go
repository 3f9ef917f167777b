// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellcounts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/pgzip"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// writeRows writes v (a slice of tagged structs, or any JSON value
// when format is "json") to w in the given format.
func writeRows(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "csv":
		return gocsv.Marshal(v, w)
	default:
		return fmt.Errorf("unknown output format %q (expected json or csv)", format)
	}
}

// createOutput opens name for writing ("-" means stdout). If the name
// ends in ".gz" the output is gzip-compressed.
func createOutput(name string, stdout io.Writer) (io.WriteCloser, error) {
	var f io.WriteCloser
	if name == "-" {
		f = nopCloser{stdout}
	} else {
		var err error
		f, err = os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return nil, err
		}
	}
	bufw := bufio.NewWriter(f)
	out := &outputFile{f: f, bufw: bufw, w: bufw}
	if strings.HasSuffix(name, ".gz") {
		out.zw = pgzip.NewWriter(bufw)
		out.w = out.zw
	}
	return out, nil
}

type outputFile struct {
	f    io.WriteCloser
	bufw *bufio.Writer
	zw   *pgzip.Writer
	w    io.Writer
	done bool
}

func (o *outputFile) Write(p []byte) (int, error) {
	return o.w.Write(p)
}

// Close flushes all buffered and compressed data and closes the
// underlying file. Only the first call has any effect.
func (o *outputFile) Close() error {
	if o.done {
		return nil
	}
	o.done = true
	if o.zw != nil {
		if err := o.zw.Close(); err != nil {
			o.f.Close()
			return err
		}
	}
	if err := o.bufw.Flush(); err != nil {
		o.f.Close()
		return err
	}
	return o.f.Close()
}
