package syshealth

import "os"

func currentPID() int {
	return os.Getpid()
}
