// Copyright (C) The Cellcounts Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/cellcounts/cellcounts"

func main() {
	cellcounts.Main()
}
