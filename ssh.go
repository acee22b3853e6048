package fpgadma

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/fpgadma/config"
	"github.com/slackhq/fpgadma/dma"
	"github.com/slackhq/fpgadma/hw"
	"github.com/slackhq/fpgadma/sshd"
)

type sshStatusFlags struct {
	Json   bool
	Pretty bool
}

type sshStartFlags struct {
	Reps    uint
	Delayed bool
}

type sshConfigFlags struct {
	Set   string
	Clear string
}

type sshSetFlags struct {
	Set string
}

type sshDeviceStatusFlags struct {
	Wait    bool
	Timeout time.Duration
}

type sshWritePatternFlags struct {
	Samples uint
	Step    uint
}

type sshReadFlags struct {
	Bytes   string
	Timeout time.Duration
	Dump    uint
}

type sshInjectFlags struct {
	Bits string
}

// deviceConfigBits names the device control bits a user may change
var deviceConfigBits = map[string]uint32{
	"restart":     hw.FPGACtrlRestart,
	"trig-start":  hw.FPGACtrlTrigStart,
	"irq-enable":  hw.FPGACtrlIRQEnable,
	"irq-error":   hw.FPGACtrlIRQError,
	"irq-end":     hw.FPGACtrlIRQEnd,
	"irq-freq":    hw.FPGACtrlIRQFreq,
	"irq-restart": hw.FPGACtrlIRQRestart,
	"err-lock":    hw.FPGACtrlErrLock,
	"ext-clock":   hw.FPGACtrlExtClock,
}

// deviceErrorBits names the peripheral error status bits
var deviceErrorBits = map[string]uint32{
	"in":    hw.FPGAStatErrIn,
	"out":   hw.FPGAStatErrOut,
	"time":  hw.FPGAStatErrTime,
	"lock":  hw.FPGAStatErrLock,
	"tkeep": hw.FPGAStatErrTKeep,
}

func wireSSHReload(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if c.GetBool("sshd.enabled", false) {
			sshRun, err := configSSH(l, ssh, c)
			if err != nil {
				l.WithError(err).Error("Failed to reconfigure the sshd")
				ssh.Stop()
			}
			if sshRun != nil {
				go sshRun()
			}
		} else {
			ssh.Stop()
		}
	})
}

// configSSH reads the ssh info out of the passed-in Config and
// updates the passed-in SSHServer. On success, it returns a function
// that callers may invoke to run the configured ssh server. On
// failure, it returns nil, error.
func configSSH(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) (func(), error) {
	listen := c.GetString("sshd.listen", "")
	if listen == "" {
		return nil, fmt.Errorf("sshd.listen must be provided")
	}

	port := strings.Split(listen, ":")
	if len(port) < 2 {
		return nil, fmt.Errorf("sshd.listen does not have a port")
	} else if port[1] == "22" {
		return nil, fmt.Errorf("sshd.listen can not use port 22")
	}

	hostKeyFile := c.GetString("sshd.host_key", "")
	if hostKeyFile == "" {
		return nil, fmt.Errorf("sshd.host_key must be provided")
	}

	hostKeyBytes, err := os.ReadFile(hostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("error while loading sshd.host_key file: %s", err)
	}

	err = ssh.SetHostKey(hostKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %s", err)
	}

	// Clear existing trusted CAs and authorized keys
	ssh.ClearTrustedCAs()
	ssh.ClearAuthorizedKeys()

	rawCAs := c.Get("sshd.trusted_cas")
	if cas, ok := rawCAs.([]any); ok {
		for _, ca := range cas {
			caString, ok := ca.(string)
			if !ok {
				l.WithField("sshCA", ca).Warn("Trusted CA was not understood, ignoring")
				continue
			}
			if err := ssh.AddTrustedCA(caString); err != nil {
				l.WithError(err).WithField("sshCA", caString).Warn("SSH CA had an error, ignoring")
			}
		}
	}

	rawKeys := c.Get("sshd.authorized_users")
	keys, ok := rawKeys.([]any)
	if ok {
		for _, rk := range keys {
			kDef, ok := rk.(map[string]any)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user had an error, ignoring")
				continue
			}

			user, ok := kDef["user"].(string)
			if !ok {
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the user field")
				continue
			}

			k := kDef["keys"]
			switch v := k.(type) {
			case string:
				err := ssh.AddAuthorizedKey(user, v)
				if err != nil {
					l.WithError(err).WithField("sshKeyConfig", rk).WithField("sshKey", v).Warn("Failed to authorize key")
					continue
				}

			case []any:
				for _, subK := range v {
					sk, ok := subK.(string)
					if !ok {
						l.WithField("sshKeyConfig", rk).WithField("sshKey", subK).Warn("Did not understand ssh key")
						continue
					}

					err := ssh.AddAuthorizedKey(user, sk)
					if err != nil {
						l.WithError(err).WithField("sshKeyConfig", sk).Warn("Failed to authorize key")
						continue
					}
				}

			default:
				l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the keys field or was not understood")
			}
		}
	} else {
		l.Info("no ssh users to authorize")
	}

	var runner func()
	if c.GetBool("sshd.enabled", false) {
		ssh.Stop()
		runner = func() {
			if err := ssh.Run(listen); err != nil {
				l.WithField("err", err).Warn("Failed to run the SSH server")
			}
		}
	} else {
		ssh.Stop()
	}

	return runner, nil
}

func attachCommands(l *logrus.Logger, c *config.C, ssh *sshd.SSHServer, e *dma.Engine, be *backend) {
	ssh.RegisterCommand(&sshd.Command{
		Name:             "status",
		ShortDescription: "Prints the transfer state and all engine counters",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshStatusFlags{}
			fl.BoolVar(&s.Json, "json", false, "outputs as json with more information")
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshStatus(e, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "start",
		ShortDescription: "Starts transmitting the written data",
		Help:             "Repeats the data -reps times, 0 repeats until stopped",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshStartFlags{}
			fl.UintVar(&s.Reps, "reps", 1, "number of repetitions, 0 runs until stopped")
			fl.BoolVar(&s.Delayed, "delayed", false, "leave starting the device to start-device")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshStart(e, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "start-device",
		ShortDescription: "Starts the device of a transfer started with -delayed",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshd.WriteResult(w, "Device started", e.StartDevice())
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "stop",
		ShortDescription: "Stops both channels and the device",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshd.WriteResult(w, "Stopped", e.StopTransfer())
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reset",
		ShortDescription: "Resets the dma engine and the device, discarding all data",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshd.WriteResult(w, "Reset", e.Reset())
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "config",
		ShortDescription: "Prints or changes the device configuration bits",
		Help:             fmt.Sprintf("Bits are comma separated names or a number, names: %s", bitNames(deviceConfigBits)),
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshConfigFlags{}
			fl.StringVar(&s.Set, "set", "", "bits to set")
			fl.StringVar(&s.Clear, "clear", "", "bits to clear")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshDeviceConfig(e, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "rx-buffer",
		ShortDescription: "Prints or changes the receive buffer size, unread data beyond it is dropped",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshSetFlags{}
			fl.StringVar(&s.Set, "set", "", "new size, ie: 16MiB")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshRXBuffer(e, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "timeout",
		ShortDescription: "Prints or changes the blocking read timeout",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshSetFlags{}
			fl.StringVar(&s.Set, "set", "", "new timeout, 0 waits forever")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshTimeout(e, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "load",
		ShortDescription: "Prints how full both descriptor rings are",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			tx, rx := e.Load()
			return w.WriteLine(fmt.Sprintf("tx: %d%% rx: %d%%", tx, rx))
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "device-status",
		ShortDescription: "Prints the device status registers",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshDeviceStatusFlags{}
			fl.BoolVar(&s.Wait, "wait", false, "wait for the next status change")
			fl.DurationVar(&s.Timeout, "timeout", 0, "how long to wait, defaults to device.status_timeout")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshDeviceStatus(e, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "write-pattern",
		ShortDescription: "Queues a ramp of test samples for transmission",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshWritePatternFlags{}
			fl.UintVar(&s.Samples, "samples", 1024, "number of samples")
			fl.UintVar(&s.Step, "step", 1, "time ticks between samples")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshWritePattern(e, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "read",
		ShortDescription: "Reads received data and prints a summary",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshReadFlags{}
			fl.StringVar(&s.Bytes, "bytes", "", "read at most this many bytes, defaults to one buffer")
			fl.DurationVar(&s.Timeout, "timeout", time.Second, "give up after this long")
			fl.UintVar(&s.Dump, "dump", 4, "number of samples to print")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshRead(e, fs, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "verify",
		ShortDescription: "Checks the ring and buffer invariants",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshd.WriteResult(w, "Consistent", e.Verify())
		},
	})

	if be.sim != nil {
		ssh.RegisterCommand(&sshd.Command{
			Name:             "sim-trigger",
			ShortDescription: "Releases a simulated device waiting for its start trigger",
			Callback: func(fs any, a []string, w sshd.StringWriter) error {
				be.sim.Trigger()
				return w.WriteLine("Triggered")
			},
		})

		ssh.RegisterCommand(&sshd.Command{
			Name:             "sim-error",
			ShortDescription: "Latches error bits in the simulated device",
			Help:             fmt.Sprintf("Bits are comma separated names or a number, names: %s", bitNames(deviceErrorBits)),
			Flags: func() (*flag.FlagSet, any) {
				fl := flag.NewFlagSet("", flag.ContinueOnError)
				s := sshInjectFlags{}
				fl.StringVar(&s.Bits, "bits", "in", "error bits to latch")
				return fl, &s
			},
			Callback: func(fs any, a []string, w sshd.StringWriter) error {
				f, ok := fs.(*sshInjectFlags)
				if !ok {
					return nil
				}
				bits, err := parseBits(f.Bits, deviceErrorBits)
				if err != nil {
					return w.WriteLine(err.Error())
				}
				be.sim.InjectError(bits)
				return w.WriteLine(fmt.Sprintf("Injected %#x", bits))
			},
		})
	}

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reload",
		ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshReload(c, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "start-cpu-profile",
		ShortDescription: "Starts a cpu profile and write output to the provided file, ex: `cpu-profile.pb.gz`",
		Callback:         sshStartCpuProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "stop-cpu-profile",
		ShortDescription: "Stops a cpu profile and writes output to the previously provided file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			pprof.StopCPUProfile()
			return w.WriteLine("If a CPU profile was running it is now stopped")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-level",
		ShortDescription: "Gets or sets the current log level",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogLevel(l, fs, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-format",
		ShortDescription: "Gets or sets the current log format",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogFormat(l, fs, a, w)
		},
	})
}

func sshStatus(e *dma.Engine, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshStatusFlags)
	if !ok {
		return nil
	}

	st := e.Status()
	if fs.Json || fs.Pretty {
		js := json.NewEncoder(w.GetWriter())
		if fs.Pretty {
			js.SetIndent("", "    ")
		}
		return js.Encode(st)
	}

	lines := []string{
		fmt.Sprintf("mode: %s reps: %d/%d bytes: %d", st.Mode, st.RepsCompleted, st.Reps, st.TotalBytes),
		fmt.Sprintf("tx: %s", channelLine(st.TX)),
		fmt.Sprintf("rx: %s", channelLine(st.RX)),
		fmt.Sprintf("rx buffer: %d available, %d dropped, size %d", st.Available, st.Dropped, st.RXBufferSize),
		fmt.Sprintf("device: status %#x time %d samples %d config %#x started %v errors %d",
			st.Device.Status, st.Device.Time, st.Device.Samples, st.DeviceConfig, st.DeviceStarted, st.DeviceErrors),
		fmt.Sprintf("buffers: %d allocated, %d idle", st.BuffersAllocated, st.BuffersIdle),
		fmt.Sprintf("irq: tx %d rx %d device %d spurious %d merged %d overflow %d",
			st.IRQ.TX, st.IRQ.RX, st.IRQ.Device, st.IRQ.Spurious, st.IRQ.Merged, st.IRQ.Overflow),
		fmt.Sprintf("timeout: %s", st.Timeout),
	}
	for _, line := range lines {
		if err := w.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

func channelLine(c dma.ChannelStatus) string {
	state := "idle"
	switch {
	case c.Active && c.Cyclic:
		state = "cyclic"
	case c.Active:
		state = "active"
	case c.Enabled:
		state = "enabled"
	}
	return fmt.Sprintf("%s bytes %d descriptors %d (prepared %d, active %d) errors %d last %#x timeouts %d anomalies %d",
		state, c.Bytes, c.Completed, c.Prepared, c.Running, c.Errors, c.LastError, c.Timeouts, c.Anomalies)
}

func sshStart(e *dma.Engine, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshStartFlags)
	if !ok {
		return nil
	}
	if uint64(fs.Reps) > uint64(^uint32(0)) {
		return w.WriteLine(fmt.Sprintf("reps %d is too large", fs.Reps))
	}

	mode := dma.StartImmediate
	if fs.Delayed {
		mode = dma.StartDelayed
	}
	return sshd.WriteResult(w, fmt.Sprintf("Started %d reps, %s", fs.Reps, mode), e.Start(uint32(fs.Reps), mode))
}

func sshDeviceConfig(e *dma.Engine, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshConfigFlags)
	if !ok {
		return nil
	}

	if fs.Set != "" || fs.Clear != "" {
		set, err := parseBits(fs.Set, deviceConfigBits)
		if err != nil {
			return w.WriteLine(err.Error())
		}
		clr, err := parseBits(fs.Clear, deviceConfigBits)
		if err != nil {
			return w.WriteLine(err.Error())
		}
		e.SetDeviceConfig(e.DeviceConfig()&^clr | set)
	}

	v := e.DeviceConfig()
	var names []string
	for name, bit := range deviceConfigBits {
		if v&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return w.WriteLine(fmt.Sprintf("%#x %s", v, strings.Join(names, ",")))
}

// parseBits turns a comma separated list of names from known, or a number, into a mask
func parseBits(s string, known map[string]uint32) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(v), nil
	}

	var v uint32
	for _, name := range strings.Split(s, ",") {
		bit, ok := known[strings.TrimSpace(name)]
		if !ok {
			return 0, fmt.Errorf("unknown bit %q, possible bits: %s", name, bitNames(known))
		}
		v |= bit
	}
	return v, nil
}

func bitNames(known map[string]uint32) string {
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func sshRXBuffer(e *dma.Engine, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshSetFlags)
	if !ok {
		return nil
	}

	if fs.Set != "" {
		n, err := config.ParseByteSize(fs.Set)
		if err != nil {
			return w.WriteLine(err.Error())
		}
		if err := e.SetRXBufferSize(n); err != nil && !dma.IsWarning(err) {
			return w.WriteLine(fmt.Sprintf("Failed: %s", err))
		}
	}
	return w.WriteLine(fmt.Sprintf("Receive buffer size is: %d", e.RXBufferSize()))
}

func sshTimeout(e *dma.Engine, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshSetFlags)
	if !ok {
		return nil
	}

	if fs.Set != "" {
		d, err := time.ParseDuration(fs.Set)
		if fs.Set == "0" {
			d, err = 0, nil
		}
		if err != nil {
			return w.WriteLine(err.Error())
		}
		if err := e.SetTimeout(d); err != nil {
			return w.WriteLine(fmt.Sprintf("Failed: %s", err))
		}
	}

	d := e.Timeout()
	if d == 0 {
		return w.WriteLine("Read timeout is: none")
	}
	return w.WriteLine(fmt.Sprintf("Read timeout is: %s", d))
}

func sshDeviceStatus(e *dma.Engine, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshDeviceStatusFlags)
	if !ok {
		return nil
	}

	s := e.DeviceStatus()
	if fs.Wait {
		ctx := context.Background()
		if fs.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, fs.Timeout)
			defer cancel()
		}

		var err error
		s, err = e.ReadStatus(ctx)
		if err != nil && !errors.Is(err, dma.ErrDeviceError) {
			return w.WriteLine(fmt.Sprintf("Failed: %s", err))
		}
	}

	state := "idle"
	switch {
	case s.Failed():
		state = "error"
	case s.Running():
		state = "running"
	case s.Ended():
		state = "ended"
	}
	return w.WriteLine(fmt.Sprintf("%s status: %#x time: %d samples: %d irq: %#x seq: %d", state, s.Status, s.Time, s.Samples, s.IRQ, s.Seq))
}

// pattern builds n samples with a time ramp of step ticks and a counting data word
func pattern(n, step uint32) []byte {
	b := make([]byte, int(n)*hw.SampleSize)
	for i := uint32(0); i < n; i++ {
		s := b[i*hw.SampleSize:]
		binary.LittleEndian.PutUint32(s, (i+1)*step)
		binary.LittleEndian.PutUint32(s[4:], i&^hw.SampleNOP)
	}
	return b
}

func sshWritePattern(e *dma.Engine, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshWritePatternFlags)
	if !ok {
		return nil
	}
	if fs.Samples == 0 || uint64(fs.Samples) > uint64(e.Config().MaxTXBytes)/hw.SampleSize {
		return w.WriteLine(fmt.Sprintf("samples must be between 1 and %d", e.Config().MaxTXBytes/hw.SampleSize))
	}
	if fs.Step == 0 || uint64(fs.Step) > uint64(^uint32(0)) {
		return w.WriteLine("step must be at least 1")
	}

	n, err := e.Write(pattern(uint32(fs.Samples), uint32(fs.Step)))
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Wrote %d bytes, failed: %s", n, err))
	}
	return w.WriteLine(fmt.Sprintf("Wrote %d bytes", n))
}

func sshRead(e *dma.Engine, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshReadFlags)
	if !ok {
		return nil
	}

	size := uint64(e.Config().BufferSize)
	if fs.Bytes != "" {
		n, err := config.ParseByteSize(fs.Bytes)
		if err != nil {
			return w.WriteLine(err.Error())
		}
		size = max(n, size)
	}

	ctx, cancel := context.WithTimeout(context.Background(), fs.Timeout)
	defer cancel()

	p := make([]byte, size)
	n, err := e.Read(ctx, p)
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Read %d bytes, failed: %s", n, err))
	}

	if err := w.WriteLine(fmt.Sprintf("Read %d bytes, %d samples", n, n/hw.SampleSize)); err != nil {
		return err
	}
	for i := 0; i < int(fs.Dump) && (i+1)*hw.SampleSize <= n; i++ {
		s := p[i*hw.SampleSize:]
		err := w.WriteLine(fmt.Sprintf("  %d: time %d data %#08x", i, binary.LittleEndian.Uint32(s), binary.LittleEndian.Uint32(s[4:])))
		if err != nil {
			return err
		}
	}
	return nil
}

func sshStartCpuProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		err := w.WriteLine("No path to write profile provided")
		return err
	}

	file, err := os.Create(a[0])
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to create profile file: %s", err))
		return err
	}

	err = pprof.StartCPUProfile(file)
	if err != nil {
		err = w.WriteLine(fmt.Sprintf("Unable to start cpu profile: %s", err))
		return err
	}

	err = w.WriteLine(fmt.Sprintf("Started cpu profile, issue stop-cpu-profile to write the output to %s", a))
	return err
}

func sshLogLevel(l *logrus.Logger, fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.WriteLine(fmt.Sprintf("Unknown log level %s. Possible log levels: %s", a, logrus.AllLevels))
	}

	l.SetLevel(level)
	return w.WriteLine(fmt.Sprintf("Log level is: %s", l.Level))
}

func sshLogFormat(l *logrus.Logger, fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine(fmt.Sprintf("Log format is: %s", logFormatName(l)))
	}

	logFormat := strings.ToLower(a[0])
	switch logFormat {
	case "text":
		l.Formatter = &logrus.TextFormatter{}
	case "json":
		l.Formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	return w.WriteLine(fmt.Sprintf("Log format is: %s", logFormatName(l)))
}

func logFormatName(l *logrus.Logger) string {
	if _, ok := l.Formatter.(*logrus.JSONFormatter); ok {
		return "json"
	}
	return "text"
}

func sshReload(c *config.C, w sshd.StringWriter) error {
	c.ReloadConfig()
	return w.WriteLine("Config reloaded")
}
