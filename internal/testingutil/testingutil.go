// Package testingutil holds helpers shared by the replica client tests.
package testingutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	sftpserver "github.com/pkg/sftp"
	"github.com/superfly/ltx"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/webdav"

	"github.com/benbjohnson/litevfs/internal"
)

var (
	// Enables integration tests.
	integration = flag.Bool("integration", false, "")
	// Enables specific types of replicas to be tested.
	replicaClientTypes = flag.String("replica-clients", "file", "")
	// Sets the log level for the tests.
	logLevel = flag.String("log.level", "debug", "")
)

// Integration returns true if tests against live backends are enabled.
func Integration() bool {
	return *integration
}

// ReplicaClientTypes returns the client types selected for integration tests.
func ReplicaClientTypes() []string {
	return strings.Split(*replicaClientTypes, ",")
}

// NewLogger returns a text logger at the level set by the -log.level flag.
func NewLogger(tb testing.TB) *slog.Logger {
	tb.Helper()

	level := slog.LevelDebug
	switch strings.ToLower(*logLevel) {
	case "trace":
		level = internal.LevelTrace
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: internal.ReplaceAttr,
	}))
}

// EncodeLTX returns a single-page LTX file. The page is filled with the
// low byte of maxTXID.
func EncodeLTX(tb testing.TB, minTXID, maxTXID ltx.TXID, timestamp time.Time) []byte {
	tb.Helper()

	var buf bytes.Buffer
	enc, err := ltx.NewEncoder(&buf)
	if err != nil {
		tb.Fatal(err)
	}
	if err := enc.EncodeHeader(ltx.Header{
		Version:   ltx.Version,
		Flags:     ltx.HeaderFlagNoChecksum,
		PageSize:  512,
		Commit:    1,
		MinTXID:   minTXID,
		MaxTXID:   maxTXID,
		Timestamp: timestamp.UnixMilli(),
	}); err != nil {
		tb.Fatal(err)
	} else if err := enc.EncodePage(ltx.PageHeader{Pgno: 1}, bytes.Repeat([]byte{byte(maxTXID)}, 512)); err != nil {
		tb.Fatal(err)
	} else if err := enc.Close(); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

// NewHostKey returns a random ed25519 host key signer.
func NewHostKey(tb testing.TB) ssh.Signer {
	tb.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		tb.Fatal(err)
	}
	return signer
}

// MockSFTPServer starts an in-process SFTP server that serves the local
// filesystem without authentication. Returns the listening address.
func MockSFTPServer(tb testing.TB, hostKey ssh.Signer) string {
	tb.Helper()

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSFTPConn(tb, conn, config)
		}
	}()

	return listener.Addr().String()
}

func serveSFTPConn(tb testing.TB, conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			return
		}

		go func(in <-chan *ssh.Request) {
			for req := range in {
				if req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp" {
					_ = req.Reply(true, nil)

					server, err := sftpserver.NewServer(channel)
					if err != nil {
						return
					}
					if err := server.Serve(); err != nil && err != io.EOF {
						tb.Logf("sftp server error: %v", err)
					}
					return
				}
				_ = req.Reply(false, nil)
			}
		}(requests)
	}
}

// MockWebDAVServer starts an in-memory WebDAV server and returns its URL.
func MockWebDAVServer(tb testing.TB) string {
	tb.Helper()

	server := httptest.NewServer(&webdav.Handler{
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	})
	tb.Cleanup(server.Close)
	return server.URL
}
