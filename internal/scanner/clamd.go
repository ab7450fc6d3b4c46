// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scanner

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// clamdChunkSize is the INSTREAM chunk size. clamd's StreamMaxLength
// applies to the sum of chunks, not to each one.
const clamdChunkSize = 64 << 10

// ClamdScanner streams artifacts to a clamd daemon with the INSTREAM command.
type ClamdScanner struct {
	network string // "tcp" or "unix"
	address string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClamdScanner creates a clamd client. addr is "host:port" for TCP or a
// socket path prefixed with "unix:".
func NewClamdScanner(addr string, timeout time.Duration) *ClamdScanner {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	network := "tcp"
	if strings.HasPrefix(addr, "unix:") {
		network = "unix"
		addr = strings.TrimPrefix(addr, "unix:")
	}
	return &ClamdScanner{network: network, address: addr, timeout: timeout}
}

// Scan streams the artifact at address to clamd and parses the reply.
func (c *ClamdScanner) Scan(ctx context.Context, address string) (Verdict, error) {
	f, err := os.Open(address)
	if err != nil {
		return Verdict{}, fmt.Errorf("open artifact for scan: %w", err)
	}
	defer f.Close()

	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return Verdict{}, fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Verdict{}, fmt.Errorf("send INSTREAM: %w", err)
	}

	buf := make([]byte, clamdChunkSize)
	var size [4]byte
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size[:], uint32(n))
			if _, err := conn.Write(size[:]); err != nil {
				return Verdict{}, fmt.Errorf("send chunk size: %w", err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return Verdict{}, fmt.Errorf("send chunk: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return Verdict{}, fmt.Errorf("read artifact: %w", rerr)
		}
	}

	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := conn.Write(size[:]); err != nil {
		return Verdict{}, fmt.Errorf("terminate stream: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && reply == "" {
		return Verdict{}, fmt.Errorf("read clamd reply: %w", err)
	}
	return parseClamdReply(reply)
}

// parseClamdReply interprets "stream: OK" and "stream: <name> FOUND".
func parseClamdReply(reply string) (Verdict, error) {
	reply = strings.TrimRight(reply, "\x00\n")
	_, status, ok := strings.Cut(reply, ": ")
	if !ok {
		return Verdict{}, fmt.Errorf("malformed clamd reply %q", reply)
	}

	switch {
	case status == "OK":
		return Clean, nil
	case strings.HasSuffix(status, " FOUND"):
		return Verdict{Infected: true, Threat: strings.TrimSuffix(status, " FOUND")}, nil
	default:
		// ERROR replies (size limit, etc.) are not verdicts.
		return Verdict{}, fmt.Errorf("clamd error: %s", status)
	}
}

// Ping sends PING and expects PONG.
func (c *ClamdScanner) Ping(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return fmt.Errorf("send PING: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && reply == "" {
		return fmt.Errorf("read PING reply: %w", err)
	}
	if strings.TrimRight(reply, "\x00\n") != "PONG" {
		return fmt.Errorf("unexpected PING reply %q", reply)
	}
	return nil
}
