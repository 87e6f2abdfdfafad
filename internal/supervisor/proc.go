package supervisor

import (
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcAPI abstracts host process inspection and signaling so tests can
// run without real hypervisor processes.
type ProcAPI interface {
	// Alive reports whether a process with the PID exists.
	Alive(pid int) bool
	// Signal delivers a signal to the process.
	Signal(pid int, sig syscall.Signal) error
	// FindByCmdline searches the process table for a process whose
	// command line contains the substring. Fallback for a lost pidfile.
	FindByCmdline(substr string) (int, bool)
	// CmdlineMatches reports whether the PID's command line contains
	// the substring. Guards against stale pidfiles naming a reused PID.
	CmdlineMatches(pid int, substr string) bool
}

type hostProc struct{}

func (hostProc) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func (hostProc) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func (hostProc) CmdlineMatches(pid int, substr string) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	cmdline, err := p.Cmdline()
	return err == nil && strings.Contains(cmdline, substr)
}

func (hostProc) FindByCmdline(substr string) (int, bool) {
	procs, err := process.Processes()
	if err != nil {
		return 0, false
	}
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, substr) {
			return int(p.Pid), true
		}
	}
	return 0, false
}
