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

package logutil

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

const (
	maxLength = 512
)

// CommandLogger audits the text of commands sent into a sandbox session
// without holding an unbounded amount of it in memory.
type CommandLogger struct {
	buf    []byte
	dataCh chan []byte
	doneCh chan struct{}
	l      *logrus.Entry
}

// NewCommandLogger creates a new CommandLogger instance.
func NewCommandLogger(l *logrus.Entry) *CommandLogger {
	cl := &CommandLogger{
		buf:    make([]byte, 0, maxLength),
		dataCh: make(chan []byte, 50),
		doneCh: make(chan struct{}),
		l:      l,
	}
	go cl.run()

	return cl
}

// Write records a chunk of command text for later flushing.
func (cl *CommandLogger) Write(p []byte) (int, error) {
	cl.dataCh <- p

	return len(p), nil
}

// Destroy stops the logger's background goroutine.
func (cl *CommandLogger) Destroy() {
	close(cl.doneCh)
}

// run drains dataCh, line-buffers it, and flushes complete lines (or a full
// buffer) to the underlying logger.
func (cl *CommandLogger) run() {
	for {
		var p []byte
		select {
		case <-cl.doneCh:
			return
		case p = <-cl.dataCh:
			if p == nil {
				cl.l.Errorf("BUG: unexpected closure of command log channel")

				return
			}
		}

		for {
			if len(p) == 0 {
				break
			}

			leftSpace := maxLength - len(cl.buf)
			if leftSpace >= len(p) {
				cl.buf = append(cl.buf, p...)
				p = []byte{}
			} else {
				cl.buf = append(cl.buf, p[:leftSpace]...)
				p = p[leftSpace:]
			}

			for {
				newline := bytes.IndexAny(cl.buf, "\r\n")
				if newline == -1 {
					break
				}

				cl.l.Infof("command: %s", string(cl.buf[:newline]))

				if newline+1 < len(cl.buf) {
					cl.buf = cl.buf[newline+1:]
				} else {
					cl.buf = cl.buf[:0]
				}
			}

			if len(cl.buf) == maxLength {
				cl.l.Infof("command: %s", string(cl.buf))
				cl.buf = cl.buf[:0]
			}
		}
	}
}
