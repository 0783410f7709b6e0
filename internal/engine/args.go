package engine

import "strconv"

// buildArgs assembles the engine's argv: disable interactive console,
// bind the monitor port, and optionally bind a GDB port. The engine is
// invoked with its CLI-mode flags so no windowing or telnet console is
// opened unless GUI mode was both requested and not forbidden by
// environment.
func buildArgs(opts SpawnOptions, monitorAddr string, gdbAddr *string, gui bool) []string {
	args := []string{
		"--console",
		"--port", monitorAddr,
	}
	if !gui {
		args = append(args, "--disable-xwt", "--hide-log")
	}
	if opts.GDBBinary != "" {
		port, err := freePort()
		if err == nil {
			*gdbAddr = "127.0.0.1:" + strconv.Itoa(port)
			args = append(args, "--gdb-port", *gdbAddr)
		}
	}
	return args
}
