package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// commandHandler runs an exec request and returns the exit status.
type commandHandler func(command string, stdout, stderr io.Writer) uint32

// testSSHServer is a minimal SSH server serving exec requests through a
// handler and the sftp subsystem from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	handler  commandHandler

	mu       sync.Mutex
	commands []string
	conns    int
}

func newTestSSHServer(t *testing.T, handler commandHandler) *testSSHServer {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSSHServer{listener: listener, config: config, handler: handler}
	go s.serve()
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(channel)
				if err == nil {
					_ = server.Serve()
				}
				channel.Close()
			}()

		case "exec":
			command := string(req.Payload[4:])
			if req.WantReply {
				req.Reply(true, nil)
			}

			s.mu.Lock()
			s.commands = append(s.commands, command)
			s.mu.Unlock()

			status := s.handler(command, channel, channel.Stderr())
			payload := make([]byte, 4)
			binary.BigEndian.PutUint32(payload, status)
			channel.SendRequest("exit-status", false, payload)
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("invalid port: %v", err)
	}
	return host, port
}

func (s *testSSHServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testSSHServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}
