//go:build !linux

package volume

import "os"

func adviseSequential(*os.File) {}
