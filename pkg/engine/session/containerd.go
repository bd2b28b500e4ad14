// Copyright The Sandboxd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"sandboxd/pkg/common/logutil"
	"sandboxd/pkg/engine/engineerr"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
)

// containerdSession implements Session against a containerd daemon: a
// container whose init task runs an interactive TTY shell for the
// persistent session, plus short-lived task.Exec calls (no TTY) for setup,
// standalone execs, and out-of-band result recovery.
type containerdSession struct {
	cfg    *Config
	client *containerd.Client

	container containerd.Container
	task      containerd.Task

	stdinW *io.PipeWriter

	outCh   chan []byte
	closeCh chan struct{}

	counter     uint64
	execCounter uint64

	cmdLogger *logutil.CommandLogger
}

func newContainerdSession(cfg *Config, client *containerd.Client) *containerdSession {
	return &containerdSession{
		cfg:     cfg,
		client:  client,
		outCh:   make(chan []byte, 64),
		closeCh: make(chan struct{}),
	}
}

func (s *containerdSession) namespacedContext(ctx context.Context) context.Context {
	if s.cfg.Namespace == "" {
		// Leave ctx as is so the client's configured default namespace applies.
		return ctx
	}

	return namespaces.WithNamespace(ctx, s.cfg.Namespace)
}

func (s *containerdSession) Start(ctx context.Context) error {
	ctx = s.namespacedContext(ctx)

	image, err := s.client.Pull(ctx, s.cfg.Image, containerd.WithPullUnpack)
	if err != nil {
		return engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("pull image %s: %v", s.cfg.Image, err))
	}

	labels := map[string]string{
		ManagedLabelKey:   "true",
		SandboxIDLabelKey: s.cfg.SandboxID,
	}

	cont, err := s.client.NewContainer(ctx, s.cfg.SandboxID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(s.cfg.SandboxID+"-snapshot", image),
		containerd.WithContainerLabels(labels),
		containerd.WithNewSpec(oci.WithImageConfig(image), oci.WithProcessArgs("/bin/sh"), oci.WithTTY),
	)
	if err != nil {
		return engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("create container: %v", err))
	}

	s.container = cont

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	task, err := cont.NewTask(ctx, cio.NewCreator(cio.WithStreams(stdinR, stdoutW, stdoutW), cio.WithTerminal))
	if err != nil {
		return engineerr.Wrap(engineerr.AttachError, err, fmt.Sprintf("create task: %v", err))
	}

	s.task = task
	s.stdinW = stdinW

	go s.pump(stdoutR)

	if err := task.Start(ctx); err != nil {
		return engineerr.Wrap(engineerr.AttachError, err, fmt.Sprintf("start task: %v", err))
	}

	if len(s.cfg.SetupCommands) > 0 {
		joined := joinSetupCommands(s.cfg.SetupCommands)

		_, setupStderr, exitCode, err := s.execOneShot(ctx, []string{"/bin/sh", "-c", "/bin/bash -c '" + joined + "'"})
		if err != nil {
			return err
		}

		if exitCode != 0 {
			return engineerr.New(engineerr.SetupError, "setup commands exited %d: %s", exitCode, setupStderr)
		}
	}

	if _, err := s.stdinW.Write([]byte("stty -echo\n")); err != nil {
		return engineerr.Wrap(engineerr.AttachError, err, fmt.Sprintf("disable echo: %v", err))
	}

	s.drain(s.cfg.drainInactivity())

	s.cmdLogger = logutil.NewCommandLogger(logger.WithField("sandbox", s.cfg.SandboxID))

	return nil
}

// pump continuously reads from the persistent shell's combined output pipe
// and forwards chunks to outCh, closing it when the stream ends.
func (s *containerdSession) pump(r io.Reader) {
	buf := make([]byte, execBufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			select {
			case s.outCh <- chunk:
			case <-s.closeCh:
				return
			}
		}

		if err != nil {
			close(s.outCh)

			return
		}
	}
}

// drain discards output chunks until the stream is quiet for inactivity.
func (s *containerdSession) drain(inactivity time.Duration) {
	for {
		select {
		case _, ok := <-s.outCh:
			if !ok {
				return
			}
		case <-time.After(inactivity):
			return
		}
	}
}

func (s *containerdSession) readUntilMarker(marker string, timeout time.Duration) error {
	var buf bytes.Buffer

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case chunk, ok := <-s.outCh:
			if !ok {
				return engineerr.New(engineerr.SessionClosed, "session stream closed")
			}

			buf.Write(chunk)

			if strings.Contains(buf.String(), marker) {
				return nil
			}
		case <-timer.C:
			return engineerr.New(engineerr.CommandTimeout, "marker %q not observed within %s", marker, timeout)
		}
	}
}

func (s *containerdSession) ExecSession(ctx context.Context, cmd string) (string, string, int, error) {
	if isCommentOnly(cmd) {
		return "", "", 0, nil
	}

	ctx = s.namespacedContext(ctx)

	id := atomic.AddUint64(&s.counter, 1)
	rec := newCommandRecord(id)

	if s.cmdLogger != nil {
		s.cmdLogger.Write([]byte(cmd + "\n"))
	}

	if _, err := s.stdinW.Write([]byte(rec.frame(cmd))); err != nil {
		return "", "", 0, engineerr.Wrap(engineerr.SessionClosed, err, fmt.Sprintf("write frame: %v", err))
	}

	if err := s.readUntilMarker(rec.marker, s.cfg.markerTimeout()); err != nil {
		return "", "", 0, err
	}

	stdoutText, stderrText, exitCode, err := s.recoverResult(ctx, rec)
	if err != nil {
		return "", "", 0, err
	}

	go s.cleanupFiles(rec)

	s.drain(s.cfg.drainInactivity())

	return stdoutText, stderrText, exitCode, nil
}

func (s *containerdSession) recoverResult(ctx context.Context, rec *commandRecord) (string, string, int, error) {
	stdoutText, _, exitCode, err := s.execOneShot(ctx, []string{"cat", rec.stdoutFile})
	if err != nil {
		return "", "", 0, err
	}

	if exitCode != 0 {
		return "", "", 0, engineerr.New(engineerr.ResultRecoveryError, "reading stdout file failed, exit %d", exitCode)
	}

	stderrText, _, exitCode, err := s.execOneShot(ctx, []string{"cat", rec.stderrFile})
	if err != nil {
		return "", "", 0, err
	}

	if exitCode != 0 {
		return "", "", 0, engineerr.New(engineerr.ResultRecoveryError, "reading stderr file failed, exit %d", exitCode)
	}

	exitText, _, exitCode, err := s.execOneShot(ctx, []string{"cat", rec.exitFile})
	if err != nil {
		return "", "", 0, err
	}

	if exitCode != 0 {
		return "", "", 0, engineerr.New(engineerr.ResultRecoveryError, "reading exit code file failed, exit %d", exitCode)
	}

	return stdoutText, stderrText, parseExitCode(exitText), nil
}

func (s *containerdSession) cleanupFiles(rec *commandRecord) {
	ctx, cancel := context.WithTimeout(s.namespacedContext(context.Background()), s.cfg.standaloneReadTimeout())
	defer cancel()

	if _, _, _, err := s.execOneShot(ctx, []string{"rm", "-f", rec.stdoutFile, rec.stderrFile, rec.exitFile}); err != nil {
		logger.WithError(err).Debugf("cleanup of command %d files failed", rec.id)
	}
}

func (s *containerdSession) ExecStandalone(ctx context.Context, cmd string) (string, string, int, error) {
	return s.execOneShot(s.namespacedContext(ctx), []string{"/bin/sh", "-c", cmd})
}

// execOneShot runs args as a fresh, non-TTY exec via task.Exec and returns
// its stdout, stderr, and exit code.
func (s *containerdSession) execOneShot(ctx context.Context, args []string) (string, string, int, error) {
	execID := fmt.Sprintf("oneshot-%d", atomic.AddUint64(&s.execCounter, 1))

	spec, err := s.container.Spec(ctx)
	if err != nil {
		return "", "", 0, engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("read container spec: %v", err))
	}

	pSpec := spec.Process
	pSpec.Terminal = false
	pSpec.Args = args

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	process, err := s.task.Exec(ctx, execID, pSpec, cio.NewCreator(cio.WithStreams(nil, stdoutW, stderrW)))
	if err != nil {
		return "", "", 0, engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("exec: %v", err))
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", "", 0, engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("wait exec: %v", err))
	}

	if err := process.Start(ctx); err != nil {
		return "", "", 0, engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("start exec: %v", err))
	}

	stdoutCh := make(chan string, 1)
	stderrCh := make(chan string, 1)

	go func() {
		var b bytes.Buffer
		io.Copy(&b, stdoutR)
		stdoutCh <- b.String()
	}()
	go func() {
		var b bytes.Buffer
		io.Copy(&b, stderrR)
		stderrCh <- b.String()
	}()

	var exitCode uint32

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return "", "", 0, engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("exec result: %v", err))
		}

		exitCode = code
	case <-time.After(s.cfg.standaloneReadTimeout()):
		process.Kill(ctx, syscall.SIGKILL)

		return "", "", 0, engineerr.New(engineerr.CommandTimeout, "exec %v timed out", args)
	}

	stdoutW.Close()
	stderrW.Close()

	return <-stdoutCh, <-stderrCh, int(exitCode), nil
}

func (s *containerdSession) Stop(ctx context.Context) error {
	ctx = s.namespacedContext(ctx)

	if s.cmdLogger != nil {
		s.cmdLogger.Destroy()
	}

	close(s.closeCh)

	if s.stdinW != nil {
		s.stdinW.Write([]byte("exit\n"))
		time.Sleep(200 * time.Millisecond)
		s.stdinW.Close()
	}

	var stopErr error

	if s.task != nil {
		if _, err := s.task.Delete(ctx, containerd.WithProcessKill); err != nil {
			logger.Warnf("delete task failed: %v", err)

			stopErr = engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("delete task: %v", err))
		}
	}

	if s.container != nil {
		if err := s.container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
			logger.Warnf("delete container failed: %v", err)

			if stopErr == nil {
				stopErr = engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("delete container: %v", err))
			}
		}
	}

	return stopErr
}
