package snet

import (
	"hash/fnv"
	"io"
	"os"
	"runtime"
)

func hashCode(k string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(k))
	return h.Sum32()
}

// closeQuietly closes c ignoring any error.
func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func printStack() {
	var buf [4096]byte
	n := runtime.Stack(buf[:], false)
	os.Stderr.Write(buf[:n])
}
