package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/webosbrew/dev-manager-desktop/internal/errdefs"
	"github.com/webosbrew/dev-manager-desktop/internal/session"
	"golang.org/x/term"
)

var (
	deviceName string
	withStdin  bool
	dumbShell  bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- COMMAND [ARGS...]",
	Short: "Run a command on a device and print its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExec,
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- COMMAND [ARGS...]",
	Short: "Run a long command on a device, streaming its output",
	Long: `run streams stdout and stderr while the command runs. Ctrl-C
sends TERM to the remote command.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStream,
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive shell on a device",
	Args:  cobra.NoArgs,
	RunE:  runShell,
}

func init() {
	for _, c := range []*cobra.Command{execCmd, runCmd, shellCmd} {
		c.Flags().StringVarP(&deviceName, "device", "d", "", "Device name (default device if empty)")
	}
	execCmd.Flags().BoolVarP(&withStdin, "stdin", "i", false, "Send local stdin to the command")
	runCmd.Flags().BoolVarP(&withStdin, "stdin", "i", false, "Send local stdin to the command")
	shellCmd.Flags().BoolVar(&dumbShell, "dumb", false, "Do not request a PTY")
}

func runExec(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.close()

	ctx := cmd.Context()
	dev, err := pickDevice(ctx, env.dir, deviceName)
	if err != nil {
		return err
	}
	var stdin []byte
	if withStdin {
		if stdin, err = io.ReadAll(os.Stdin); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	out, err := env.mgr.Exec(ctx, dev, strings.Join(args, " "), stdin)
	var e *errdefs.Error
	if errors.As(err, &e) && e.Kind == errdefs.KindExitStatus {
		os.Stderr.Write(e.Stderr)
		return exitCode(e.ExitCode)
	}
	if err != nil {
		return err
	}
	os.Stdout.Write(out.Stdout)
	os.Stderr.Write(out.Stderr)
	return nil
}

// stdioSink writes proc output to the local stdout and stderr.
type stdioSink struct{}

func (stdioSink) OnData(fd int, data []byte) {
	if fd == session.Stderr {
		os.Stderr.Write(data)
		return
	}
	os.Stdout.Write(data)
}

func (stdioSink) OnStateChanged(session.ProcStatus) {}

// procWriter feeds a proc's stdin.
type procWriter struct{ p *session.Proc }

func (w procWriter) Write(b []byte) (int, error) {
	if err := w.p.Write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func runStream(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.close()

	ctx := cmd.Context()
	dev, err := pickDevice(ctx, env.dir, deviceName)
	if err != nil {
		return err
	}
	proc, err := env.mgr.Spawn(ctx, dev, strings.Join(args, " "))
	if err != nil {
		return err
	}
	proc.Attach(stdioSink{})
	proc.Ready()
	if err := proc.Start(ctx); err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	defer signal.Stop(sigc)
	go func() {
		select {
		case <-sigc:
			proc.Interrupt()
		case <-proc.Done():
		}
	}()
	if withStdin {
		go func() {
			io.Copy(procWriter{proc}, os.Stdin)
			proc.CloseStdin()
		}()
	}

	st, err := proc.WaitClose(context.Background())
	if err != nil {
		return err
	}
	switch st.Kind {
	case session.ProcExited:
		if st.Code != 0 {
			return exitCode(st.Code)
		}
		return nil
	case session.ProcSignal:
		fmt.Fprintf(os.Stderr, "terminated by %s\n", st.Signal)
		return exitCode(130)
	case session.ProcFailed:
		return st.Err
	}
	return nil
}

// termSink copies shell output to the local terminal and reports the final
// state.
type termSink struct {
	once  sync.Once
	final chan session.ShellInfo
}

func (s *termSink) OnData(_ int, data []byte) { os.Stdout.Write(data) }

func (s *termSink) OnStateChanged(info session.ShellInfo) {
	if info.State.Terminal() {
		s.once.Do(func() { s.final <- info })
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	env, err := openCLI()
	if err != nil {
		return err
	}
	defer env.close()

	ctx := cmd.Context()
	dev, err := pickDevice(ctx, env.dir, deviceName)
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd) && !dumbShell
	opts := session.ShellOptions{Dumb: !interactive, Term: os.Getenv("TERM")}
	if interactive {
		if w, h, err := term.GetSize(fd); err == nil {
			opts.Cols, opts.Rows = w, h
		}
	}

	sink := &termSink{final: make(chan session.ShellInfo, 1)}
	s, err := env.mgr.ShellOpen(ctx, dev, opts, sink)
	if err != nil {
		return err
	}

	if interactive {
		old, err := term.MakeRaw(fd)
		if err != nil {
			s.Close()
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, old)

		stop := watchResize(func() {
			if w, h, err := term.GetSize(fd); err == nil {
				s.Resize(h, w)
			}
		})
		defer stop()
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if s.Write(buf[:n]) != nil {
					return
				}
			}
			if err != nil {
				s.Close()
				return
			}
		}
	}()

	info := <-sink.final
	switch info.State.Kind {
	case session.ShellError:
		return errors.New(info.State.Detail)
	case session.ShellExited:
		if info.State.Code > 0 {
			return exitCode(info.State.Code)
		}
	}
	return nil
}
