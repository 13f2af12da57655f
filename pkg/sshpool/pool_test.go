// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package sshpool

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
)

const testPassword = "hunter2"

// execHandler serves one exec request: it receives the command and the
// session channel and is responsible for output and exit status.
type execHandler func(cmd string, ch ssh.Channel)

func exitStatus(ch ssh.Channel, code uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

func echoHandler(cmd string, ch ssh.Channel) {
	fmt.Fprintf(ch, "ran %s\n", cmd)
	exitStatus(ch, 0)
}

// startServer runs a minimal SSH server on the given loopback address and
// returns its port. Distinct loopback aliases let one test pool multiple
// "hosts", since the pool keys managers by host string.
func startServer(t *testing.T, ip string, handler execHandler) int {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong password for %s", meta.User())
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, handler)
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only sessions are served")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func(ch ssh.Channel, chReqs <-chan *ssh.Request) {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)
				handler(payload.Command, ch)
				return
			}
		}(ch, chReqs)
	}
}

func hostConfig(host string, port int) HostConfig {
	return HostConfig{
		Host:           host,
		Port:           port,
		User:           "probe",
		Password:       testPassword,
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 5 * time.Second,
		StrictHostKey:  false,
	}
}

func loopbackAlias(i int) string {
	return fmt.Sprintf("127.0.0.%d", i)
}

func TestExecuteAllOneResultPerConnectedHost(t *testing.T) {
	okPort := startServer(t, loopbackAlias(1), echoHandler)
	failPort := startServer(t, loopbackAlias(2), func(cmd string, ch ssh.Channel) {
		fmt.Fprint(ch.Stderr(), "boom\n")
		exitStatus(ch, 3)
	})

	// Third host has nothing listening; it never joins the connected set.
	deadLn, err := net.Listen("tcp", "127.0.0.3:0")
	require.NoError(t, err)
	_, deadPortStr, _ := net.SplitHostPort(deadLn.Addr().String())
	deadPort, _ := strconv.Atoi(deadPortStr)
	require.NoError(t, deadLn.Close())

	pool := NewPool([]HostConfig{
		hostConfig(loopbackAlias(1), okPort),
		hostConfig(loopbackAlias(2), failPort),
		hostConfig(loopbackAlias(3), deadPort),
	})
	defer pool.CloseAll()

	connected := pool.ConnectAll(context.Background())
	require.Equal(t, []string{loopbackAlias(1), loopbackAlias(2)}, connected)

	results := pool.ExecuteAll(context.Background(), "uptime")
	require.Len(t, results, 2, "exactly one entry per connected host")

	byHost := make(map[string]HostResult, len(results))
	for _, r := range results {
		byHost[r.Host] = r
	}

	ok := byHost[loopbackAlias(1)]
	assert.True(t, ok.Success)
	assert.Equal(t, 0, ok.ExitCode)
	assert.Contains(t, ok.Stdout, "ran uptime")

	failed := byHost[loopbackAlias(2)]
	assert.False(t, failed.Success)
	assert.Equal(t, 3, failed.ExitCode)
	assert.Equal(t, "exit code 3", failed.Error)
	assert.Contains(t, failed.Stderr, "boom")
}

func TestExecuteAllAnnotatesNodeIDs(t *testing.T) {
	port := startServer(t, "127.0.0.1", echoHandler)
	pool := NewPool([]HostConfig{hostConfig("127.0.0.1", port)})
	defer pool.CloseAll()
	pool.ConnectAll(context.Background())

	pool.SetNodeIDResolver(func(host string) string { return "node-" + host })
	results := pool.ExecuteAll(context.Background(), "hostname")
	require.Len(t, results, 1)
	assert.Equal(t, "node-127.0.0.1", results[0].NodeID)
}

func TestExecuteTimeout(t *testing.T) {
	port := startServer(t, "127.0.0.1", func(cmd string, ch ssh.Channel) {
		// Neither output nor exit status; the command hangs.
		time.Sleep(3 * time.Second)
	})
	pool := NewPool([]HostConfig{hostConfig("127.0.0.1", port)})
	defer pool.CloseAll()
	require.Len(t, pool.ConnectAll(context.Background()), 1)

	_, _, code, err := pool.Execute(context.Background(), "127.0.0.1", "sleep", 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.Equal(t, -1, code)
}

func TestConnectAllBadCredentials(t *testing.T) {
	port := startServer(t, "127.0.0.1", echoHandler)
	cfg := hostConfig("127.0.0.1", port)
	cfg.Password = "not-it"
	pool := NewPool([]HostConfig{cfg})
	defer pool.CloseAll()

	assert.Empty(t, pool.ConnectAll(context.Background()))

	_, _, _, err := pool.Execute(context.Background(), "127.0.0.1", "uptime", 0)
	assert.Error(t, err)
}

func TestExecuteUnconfiguredHost(t *testing.T) {
	pool := NewPool(nil)
	_, _, code, err := pool.Execute(context.Background(), "nowhere.example.com", "uptime", 0)
	require.Error(t, err)
	assert.Equal(t, -1, code)
	assert.True(t, errs.IsAuxiliaryChannel(err))
}
