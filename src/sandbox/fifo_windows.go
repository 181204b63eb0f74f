//go:build windows

package sandbox

import "fmt"

func mkfifo(path string) error {
	return fmt.Errorf("sandbox: named pipes are not supported on windows")
}
