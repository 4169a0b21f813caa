//go:build !windows

package process

import "syscall"

// sysProcAttr needs no special startup configuration outside Windows.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}
