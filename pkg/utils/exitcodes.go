package utils

const (
	// standard exit codes
	ExitCodeSuccess = iota
	ExitCodeError   = 1

	// custom exit codes
	ExitCodeNotRoot   = 100
	ExitCodeTransport = 101
	ExitCodeBadRules  = 102
)
