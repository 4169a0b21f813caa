//go:build windows

package process

import "syscall"

// createNoWindow is CREATE_NO_WINDOW from the Win32 process creation flags
const createNoWindow = 0x08000000

// sysProcAttr hides the console window the binaries would otherwise open.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: createNoWindow,
	}
}
