//go:build linux

package main

import "github.com/haasonsaas/usbgate/pkg/mount"

func newExecutor() (mount.Executor, error) {
	return mount.UnixExecutor{ProcRoot: "/proc"}, nil
}
