// Command vkern boots a hypervisor machine from a yaml config, creates its
// guests and runs until interrupted. With -attach the local terminal is
// connected to a guest's debug console.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/tinyrange/vkern"
	"github.com/tinyrange/vkern/internal/debug"
	"github.com/tinyrange/vkern/internal/devices/dcon"
	"github.com/tinyrange/vkern/internal/hvc"
	"github.com/tinyrange/vkern/internal/trace"
)

var (
	configPath = flag.String("config", "", "machine config yaml")
	attachVmid = flag.Uint("attach", 0, "attach the terminal to this vmid's console")
	debugLog   = flag.String("debug-log", "", "override the config's debug log path")
	traceLog   = flag.String("trace-log", "", "override the config's trace log path")
	echoGuest  = flag.Bool("echo-guest", true, "run an echo guest stub behind each console")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vkern: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *configPath == "" {
		return fmt.Errorf("-config is required")
	}

	cfg, err := vkern.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *debugLog != "" {
		cfg.DebugLog = *debugLog
	}
	if *traceLog != "" {
		cfg.TraceLog = *traceLog
	}

	if cfg.DebugLog != "" {
		if err := debug.OpenFile(cfg.DebugLog); err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		defer debug.Close()
	}
	if cfg.TraceLog != "" {
		f, err := os.Create(cfg.TraceLog)
		if err != nil {
			return fmt.Errorf("create trace log: %w", err)
		}
		defer f.Close()
		closer, err := trace.Open(f)
		if err != nil {
			return err
		}
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	m, err := vkern.New(cfg)
	if err != nil {
		return err
	}
	if err := m.Boot(ctx); err != nil {
		return err
	}
	defer m.Close()

	for _, vmCfg := range cfg.VMs {
		vm, err := m.CreateVM(vmCfg)
		if err != nil {
			return fmt.Errorf("create vm%d: %w", vmCfg.Vmid, err)
		}
		if *echoGuest {
			if console := m.Console(vm.Vmid()); console != nil {
				go runEchoGuest(ctx, m, vm.Vmid())
			}
		}
	}

	if *attachVmid != 0 {
		return attach(ctx, m, uint32(*attachVmid))
	}

	fmt.Printf("vkern: %s up, %d pcpus, %d vms\n", cfg.Name, cfg.Cpus, len(cfg.VMs))
	<-ctx.Done()
	return nil
}

// runEchoGuest is a stand-in guest driver: it opens its console, echoes
// every byte the host types back through the ring, and asks the host to
// drain it.
func runEchoGuest(ctx context.Context, m *vkern.Machine, vmid uint32) {
	vm := m.VM(vmid)
	console := m.Console(vmid)
	if vm == nil || console == nil {
		return
	}

	m.Hypercall(vm, hvc.TypeDebugConsole, dcon.HvcDcOpen, nil)
	guest := console.Guest()

	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n := guest.Read(buf)
		if n == 0 {
			if !sleepCtx(ctx) {
				return
			}
			continue
		}
		guest.Write(buf[:n])
		m.Hypercall(vm, hvc.TypeDebugConsole, dcon.HvcDcWrite, nil)
	}
}

func sleepCtx(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Millisecond):
		return true
	}
}

// attach connects the local terminal to a guest console: stdin bytes go
// through the host tty into the guest, guest output arrives on stdout via
// the machine's console writer.
func attach(ctx context.Context, m *vkern.Machine, vmid uint32) error {
	console := m.Console(vmid)
	if console == nil {
		return fmt.Errorf("vm%d has no console", vmid)
	}
	if err := console.Tty().Open(); err != nil {
		return err
	}
	defer console.Tty().Close()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	fmt.Printf("attached to vm%d, ctrl-c to exit\r\n", vmid)

	input := make(chan byte, 64)
	go func() {
		defer close(input)
		var b [1]byte
		for {
			n, err := os.Stdin.Read(b[:])
			if err != nil || n == 0 {
				return
			}
			select {
			case input <- b[0]:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-input:
			if !ok {
				return nil
			}
			if ch == 0x03 { // ctrl-c
				return nil
			}
			if err := console.Tty().PutChar(ch); err != nil {
				debug.Writef("vkern", "attach vm%d: %v", vmid, err)
			}
		}
	}
}
