//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/haasonsaas/usbgate/pkg/mount"
)

func newExecutor() (mount.Executor, error) {
	return nil, fmt.Errorf("mounting is not supported on %s", runtime.GOOS)
}
