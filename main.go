// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/pgsubset/pgsubset/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
