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
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeClamd speaks enough of the clamd protocol for INSTREAM and PING.
func fakeClamd(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen unavailable: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleClamdConn(conn)
		}
	}()

	return ln.Addr().String()
}

func handleClamdConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	cmd, err := r.ReadString('\x00')
	if err != nil {
		return
	}

	switch cmd {
	case "zPING\x00":
		conn.Write([]byte("PONG\x00"))
	case "zINSTREAM\x00":
		var data bytes.Buffer
		var size [4]byte
		for {
			if _, err := io.ReadFull(r, size[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(size[:])
			if n == 0 {
				break
			}
			if _, err := io.CopyN(&data, r, int64(n)); err != nil {
				return
			}
		}
		if strings.Contains(data.String(), "EICAR") {
			conn.Write([]byte("stream: Eicar-Test-Signature FOUND\x00"))
			return
		}
		conn.Write([]byte("stream: OK\x00"))
	default:
		conn.Write([]byte("UNKNOWN COMMAND\x00"))
	}
}

// TestClamdScanner_Scan verifies verdicts over the wire, including a
// multi-chunk artifact.
func TestClamdScanner_Scan(t *testing.T) {
	addr := fakeClamd(t)
	c := NewClamdScanner(addr, 5*time.Second)
	ctx := context.Background()

	big := strings.Repeat("a", 3*clamdChunkSize+17)
	v, err := c.Scan(ctx, writeArtifact(t, big))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if v.Infected {
		t.Error("clean artifact reported infected")
	}

	v, err = c.Scan(ctx, writeArtifact(t, big+"EICAR"))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !v.Infected || v.Threat != "Eicar-Test-Signature" {
		t.Errorf("verdict = %+v", v)
	}
}

// TestClamdScanner_Ping verifies the health check.
func TestClamdScanner_Ping(t *testing.T) {
	c := NewClamdScanner(fakeClamd(t), time.Second)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// TestClamdScanner_Unreachable verifies dial failures are errors.
func TestClamdScanner_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen unavailable: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClamdScanner(addr, time.Second)
	if _, err := c.Scan(context.Background(), writeArtifact(t, "x")); err == nil {
		t.Fatal("expected dial error")
	}
}

// TestParseClamdReply covers the reply grammar.
func TestParseClamdReply(t *testing.T) {
	tests := []struct {
		reply        string
		wantInfected bool
		wantThreat   string
		wantErr      bool
	}{
		{reply: "stream: OK\x00"},
		{reply: "stream: Win.Test.EICAR_HDB-1 FOUND\x00", wantInfected: true, wantThreat: "Win.Test.EICAR_HDB-1"},
		{reply: "INSTREAM size limit exceeded. ERROR\x00", wantErr: true},
		{reply: "stream: Can't allocate memory ERROR", wantErr: true},
		{reply: "garbage", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			v, err := parseClamdReply(tt.reply)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", v)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Infected != tt.wantInfected || v.Threat != tt.wantThreat {
				t.Errorf("verdict = %+v", v)
			}
		})
	}
}

// TestNewClamdScanner_Unix verifies the unix: prefix.
func TestNewClamdScanner_Unix(t *testing.T) {
	c := NewClamdScanner("unix:/run/clamd.sock", 0)
	if c.network != "unix" || c.address != "/run/clamd.sock" {
		t.Errorf("network=%q address=%q", c.network, c.address)
	}
	if c.timeout != 30*time.Second {
		t.Errorf("timeout = %v", c.timeout)
	}
}
