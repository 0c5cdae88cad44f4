// Tom is a network automation broker.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package driver

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// shellPrompts maps dialects to the prompt pattern that terminates a
// command's output on the interactive channel.
var shellPrompts = map[string]*regexp.Regexp{
	"linux":         regexp.MustCompile(`[$#]\s*$`),
	"cisco_ios":     regexp.MustCompile(`[>#]\s*$`),
	"cisco_nxos":    regexp.MustCompile(`[>#]\s*$`),
	"arista_eos":    regexp.MustCompile(`[>#]\s*$`),
	"juniper_junos": regexp.MustCompile(`[%>]\s*$`),
}

// ShellDriver is the "shell" family: one interactive PTY channel per
// connection, commands written in order, output delimited by the
// dialect's prompt. Some network operating systems only expose this
// surface.
type ShellDriver struct{}

// NewShellDriver builds the interactive-channel driver.
func NewShellDriver() *ShellDriver { return &ShellDriver{} }

func (d *ShellDriver) Family() string { return "shell" }

func (d *ShellDriver) Dialects() []string {
	out := make([]string, 0, len(shellPrompts))
	for k := range shellPrompts {
		out = append(out, k)
	}
	// stable order for the discovery endpoint
	sort.Strings(out)
	return out
}

func (d *ShellDriver) Dial(target Target) (Conn, error) {
	prompt, ok := shellPrompts[target.Dialect]
	if !ok {
		return nil, fmt.Errorf("shell family does not support dialect %q", target.Dialect)
	}
	client, err := dialSSH(target)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := session.RequestPty("vt100", 80, 256, modes); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	conn := &shellConn{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		prompt:  prompt,
		timeout: target.Timeout,
	}
	// drain the login banner up to the first prompt
	if _, err := conn.readToPrompt(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read banner: %w", err)
	}
	return conn, nil
}

type shellConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	prompt  *regexp.Regexp
	timeout time.Duration
}

func (c *shellConn) Run(command string) (string, error) {
	if _, err := io.WriteString(c.stdin, command+"\n"); err != nil {
		return "", fmt.Errorf("write %q: %w", command, err)
	}
	out, err := c.readToPrompt()
	if err != nil {
		return "", fmt.Errorf("run %q: %w", command, err)
	}
	return stripEcho(out, command), nil
}

// readToPrompt accumulates channel output until the prompt pattern
// matches the tail or the per-command budget runs out.
func (c *shellConn) readToPrompt() (string, error) {
	type chunk struct {
		data []byte
		err  error
	}
	reads := make(chan chunk)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := c.stdout.Read(buf)
			data := make([]byte, n)
			copy(data, buf[:n])
			reads <- chunk{data, err}
			if err != nil {
				return
			}
		}
	}()

	var sb strings.Builder
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	for {
		select {
		case ch := <-reads:
			sb.Write(ch.data)
			if c.prompt.MatchString(lastLine(sb.String())) {
				return sb.String(), nil
			}
			if ch.err != nil {
				return sb.String(), fmt.Errorf("channel closed: %w", ch.err)
			}
		case <-timer.C:
			return sb.String(), fmt.Errorf("timed out waiting for prompt after %s", c.timeout)
		}
	}
}

func (c *shellConn) Close() error {
	_ = c.stdin.Close()
	_ = c.session.Close()
	return c.client.Close()
}

// stripEcho removes the echoed command line and the trailing prompt
// line, leaving only the command's output.
func stripEcho(out, command string) string {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == strings.TrimSpace(command) {
		lines = lines[1:]
	}
	if len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(strings.TrimRight(s, "\n"), '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
