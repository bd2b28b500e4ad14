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
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sandboxd/pkg/common/containerutil"
	"sandboxd/pkg/common/logutil"
	"sandboxd/pkg/engine/engineerr"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// stdType is the type byte of a Docker multiplexed exec stream frame.
type stdType byte

const (
	stdin stdType = iota
	stdout
	stderr
)

const (
	stdWriterPrefixLen = 8
	stdWriterFdIndex   = 0
	stdWriterSizeIndex = 4

	execBufferSize = 4096
)

// dockerSession implements Session against a Docker daemon: a container
// created with an attached TTY for the persistent shell, plus one-shot
// ContainerExecCreate/Attach calls (no TTY) for setup, standalone execs, and
// out-of-band result recovery.
type dockerSession struct {
	cfg *Config
	cli client.CommonAPIClient

	containerID string

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	counter uint64

	cmdLogger *logutil.CommandLogger
}

func newDockerSession(cfg *Config, cli client.CommonAPIClient) *dockerSession {
	return &dockerSession{cfg: cfg, cli: cli}
}

func (s *dockerSession) Start(ctx context.Context) error {
	if err := containerutil.EnsureImage(ctx, s.cli, s.cfg.Image); err != nil {
		return engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("ensure image %s: %v", s.cfg.Image, err))
	}

	contConfig := &container.Config{
		Image:        s.cfg.Image,
		Cmd:          []string{"/bin/sh"},
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			ManagedLabelKey:   "true",
			SandboxIDLabelKey: s.cfg.SandboxID,
		},
	}

	hostConfig := &container.HostConfig{AutoRemove: false}

	created, err := s.cli.ContainerCreate(ctx, contConfig, hostConfig, nil, nil, "")
	if err != nil {
		return engineerr.WrapRuntimeError(err, s.cfg.SandboxID, fmt.Sprintf("create container: %v", err))
	}

	s.containerID = created.ID

	if err := s.cli.ContainerStart(ctx, s.containerID, container.StartOptions{}); err != nil {
		return engineerr.WrapRuntimeError(err, s.containerID, fmt.Sprintf("start container: %v", err))
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

	attached, err := s.cli.ContainerAttach(ctx, s.containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return engineerr.Wrap(engineerr.AttachError, err, fmt.Sprintf("attach container: %v", err))
	}

	s.mu.Lock()
	s.conn = attached.Conn
	s.reader = attached.Reader
	s.mu.Unlock()

	if _, err := s.conn.Write([]byte("stty -echo\n")); err != nil {
		return engineerr.Wrap(engineerr.AttachError, err, fmt.Sprintf("disable echo: %v", err))
	}

	s.drain(s.cfg.drainInactivity())

	s.cmdLogger = logutil.NewCommandLogger(logger.WithField("sandbox", s.cfg.SandboxID))

	return nil
}

// drain reads and discards bytes from the attached stream until the stream
// has been quiet for at least inactivity, consuming the startup banner and
// the shell's echo of the stty command.
func (s *dockerSession) drain(inactivity time.Duration) {
	buf := make([]byte, execBufferSize)

	for {
		s.conn.SetReadDeadline(time.Now().Add(inactivity))

		_, err := s.reader.Read(buf)
		if err != nil {
			return
		}
	}
}

func (s *dockerSession) ExecSession(ctx context.Context, cmd string) (string, string, int, error) {
	if isCommentOnly(cmd) {
		return "", "", 0, nil
	}

	id := atomic.AddUint64(&s.counter, 1)
	rec := newCommandRecord(id)

	if s.cmdLogger != nil {
		s.cmdLogger.Write([]byte(cmd + "\n"))
	}

	s.conn.SetReadDeadline(time.Time{})
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.standaloneReadTimeout()))

	if _, err := s.conn.Write([]byte(rec.frame(cmd))); err != nil {
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

// readUntilMarker accumulates bytes from the attached stream until marker
// appears in the buffer, timeout has elapsed since the call began, or the
// stream closes unexpectedly.
func (s *dockerSession) readUntilMarker(marker string, timeout time.Duration) error {
	var buf bytes.Buffer

	chunk := make([]byte, execBufferSize)

	deadline := time.Now().Add(timeout)

	for {
		s.conn.SetReadDeadline(deadline)

		n, err := s.reader.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])

			if strings.Contains(buf.String(), marker) {
				return nil
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return engineerr.New(engineerr.CommandTimeout, "marker %q not observed within %s", marker, timeout)
			}

			return engineerr.Wrap(engineerr.SessionClosed, err, fmt.Sprintf("session stream closed: %v", err))
		}
	}
}

// recoverResult reads a command's stdout, stderr, and exit code files back
// via three out-of-band execs.
func (s *dockerSession) recoverResult(ctx context.Context, rec *commandRecord) (string, string, int, error) {
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

// cleanupFiles removes a command's per-exec files with a best-effort,
// detached exec; its result is intentionally ignored.
func (s *dockerSession) cleanupFiles(rec *commandRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.standaloneReadTimeout())
	defer cancel()

	if _, _, _, err := s.execOneShot(ctx, []string{"rm", "-f", rec.stdoutFile, rec.stderrFile, rec.exitFile}); err != nil {
		logger.WithError(err).Debugf("cleanup of command %d files failed", rec.id)
	}
}

func (s *dockerSession) ExecStandalone(ctx context.Context, cmd string) (string, string, int, error) {
	return s.execOneShot(ctx, []string{"/bin/sh", "-c", cmd})
}

// execOneShot runs args as a fresh, non-TTY exec in the container and
// returns its demultiplexed stdout, stderr, and exit code.
func (s *dockerSession) execOneShot(ctx context.Context, args []string) (string, string, int, error) {
	created, err := s.cli.ContainerExecCreate(ctx, s.containerID, types.ExecConfig{
		Cmd:          args,
		Tty:          false,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", 0, engineerr.WrapRuntimeError(err, s.containerID, fmt.Sprintf("create exec: %v", err))
	}

	attached, err := s.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: false})
	if err != nil {
		return "", "", 0, engineerr.WrapRuntimeError(err, s.containerID, fmt.Sprintf("attach exec: %v", err))
	}
	defer attached.Close()

	stdoutText, stderrText, err := demuxExecStream(attached.Reader, attached.Conn, s.containerID, s.cfg.standaloneReadTimeout())
	if err != nil {
		return "", "", 0, err
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", "", 0, engineerr.WrapRuntimeError(err, s.containerID, fmt.Sprintf("inspect exec: %v", err))
	}

	return stdoutText, stderrText, inspect.ExitCode, nil
}

// demuxExecStream reads a Docker multiplexed exec stream to completion,
// splitting stdout and stderr frames by their 8-byte header.
func demuxExecStream(reader *bufio.Reader, conn net.Conn, containerID string, readTimeout time.Duration) (string, string, error) {
	var stdoutBuf, stderrBuf bytes.Buffer

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		header, err := reader.Peek(stdWriterPrefixLen)
		if err != nil {
			if err == io.EOF {
				break
			}

			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return "", "", engineerr.New(engineerr.CommandTimeout, "exec output read timed out")
			}

			return "", "", engineerr.WrapRuntimeError(err, containerID, fmt.Sprintf("read exec stream: %v", err))
		}

		reader.Discard(stdWriterPrefixLen)

		kind := stdType(header[stdWriterFdIndex])
		frameSize := int(binary.BigEndian.Uint32(header[stdWriterSizeIndex : stdWriterSizeIndex+4]))

		remaining := frameSize
		for remaining > 0 {
			n := remaining
			if n > execBufferSize {
				n = execBufferSize
			}

			chunk := make([]byte, n)

			read, err := io.ReadFull(reader, chunk)
			if err != nil {
				return "", "", engineerr.WrapRuntimeError(err, containerID, fmt.Sprintf("read exec frame: %v", err))
			}

			switch kind {
			case stdout:
				stdoutBuf.Write(chunk[:read])
			case stderr:
				stderrBuf.Write(chunk[:read])
			}

			remaining -= read
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), nil
}

func (s *dockerSession) Stop(ctx context.Context) error {
	if s.cmdLogger != nil {
		s.cmdLogger.Destroy()
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Write([]byte("exit\n"))
		time.Sleep(200 * time.Millisecond)
		conn.Close()
	}

	if s.containerID == "" {
		return nil
	}

	if err := s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true}); err != nil {
		logger.WithField("container", s.containerID).Warnf("remove container failed: %v", err)

		return engineerr.WrapRuntimeError(err, s.containerID, fmt.Sprintf("remove container: %v", err))
	}

	return nil
}
