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
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecDriver is the "sshexec" family: a fresh exec session per command,
// suitable for devices and servers that honour SSH exec requests.
type ExecDriver struct{}

// NewExecDriver builds the exec-session driver.
func NewExecDriver() *ExecDriver { return &ExecDriver{} }

func (d *ExecDriver) Family() string { return "sshexec" }

func (d *ExecDriver) Dialects() []string {
	return []string{"linux", "cisco_ios", "cisco_nxos", "arista_eos", "juniper_junos"}
}

// Dial opens the SSH transport. Host keys are not pinned: network
// inventories churn and the credential store is the trust anchor here.
func (d *ExecDriver) Dial(target Target) (Conn, error) {
	client, err := dialSSH(target)
	if err != nil {
		return nil, err
	}
	return &execConn{client: client, timeout: target.Timeout}, nil
}

type execConn struct {
	client  *ssh.Client
	timeout time.Duration
}

func (c *execConn) Run(command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			return string(res.out), fmt.Errorf("run %q: %w", command, res.err)
		}
		return string(res.out), nil
	case <-timer.C:
		// best effort; many sshds ignore signals on exec channels
		_ = session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("run %q: command timed out after %s", command, c.timeout)
	}
}

func (c *execConn) Close() error { return c.client.Close() }

// dialSSH is shared by both families.
func dialSSH(target Target) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: target.Creds.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Creds.Password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = target.Creds.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         target.Timeout,
	}
	client, err := ssh.Dial("tcp", target.Addr(), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "permission denied") {
			return nil, &AuthError{Host: target.Addr(), Err: err}
		}
		return nil, fmt.Errorf("dial %s: %w", target.Addr(), err)
	}
	return client, nil
}
