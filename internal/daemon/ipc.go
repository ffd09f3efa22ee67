// Copyright 2024 VectorGuard Authors
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

package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"vectorguard/internal/backup"
	"vectorguard/internal/guard"
)

// Request types
const (
	RequestStatus       = "status"
	RequestStop         = "stop"
	RequestSweep        = "sweep"         // Run a backup sweep now
	RequestReset        = "reset"         // Reset recovery attempt counters
	RequestReloadConfig = "reload_config" // Reload log level from disk
)

// Request represents an IPC request
type Request struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"` // Reset: watched file whose counter is cleared
	All  bool   `json:"all,omitempty"`  // Reset: clear every counter
}

// Response represents an IPC response
type Response struct {
	Success bool                 `json:"success"`
	Message string               `json:"message,omitempty"`
	Error   string               `json:"error,omitempty"`
	PID     int                  `json:"pid,omitempty"`
	Status  *guard.Status        `json:"status,omitempty"` // Status: engine snapshot
	Sweep   *backup.SweepSummary `json:"sweep,omitempty"`  // Sweep: result of the triggered sweep
	Reset   int                  `json:"reset,omitempty"`  // Reset: counters cleared
}

// Server is the IPC server
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates a new IPC server
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start starts the IPC server
func (s *Server) Start() error {
	// Remove existing socket
	os.Remove(SocketPath())

	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	os.Chmod(SocketPath(), 0600)

	go s.accept()

	return nil
}

// Stop stops the IPC server
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(SocketPath())
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return
	}

	resp := s.handler(&req)

	encoder := json.NewEncoder(conn)
	encoder.Encode(resp)
}

// Client is the IPC client
type Client struct {
	conn net.Conn
}

// Connect connects to the daemon
func Connect() (*Client, error) {
	conn, err := net.DialTimeout("unix", SocketPath(), 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	encoder := json.NewEncoder(c.conn)
	if err := encoder.Encode(req); err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(c.conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}

	return &resp, nil
}

// Status returns the daemon's engine snapshot
func (c *Client) Status() (*Response, error) {
	return c.Send(&Request{Type: RequestStatus})
}

// Stop asks the daemon to shut down
func (c *Client) Stop() (*Response, error) {
	return c.Send(&Request{Type: RequestStop})
}

// Sweep runs a backup sweep in the daemon and waits for its summary
func (c *Client) Sweep() (*backup.SweepSummary, error) {
	resp, err := c.Send(&Request{Type: RequestSweep})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("sweep failed: %s", resp.Error)
	}
	return resp.Sweep, nil
}

// Reset clears the recovery counter for path, or every counter when path is empty
func (c *Client) Reset(path string) (int, error) {
	resp, err := c.Send(&Request{Type: RequestReset, Path: path, All: path == ""})
	if err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("reset failed: %s", resp.Error)
	}
	return resp.Reset, nil
}

// ReloadConfig requests the daemon to reload its configuration from disk
func (c *Client) ReloadConfig() error {
	resp, err := c.Send(&Request{Type: RequestReloadConfig})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("reload config failed: %s", resp.Error)
	}
	return nil
}

// IsDaemonRunning checks if the daemon is running
func IsDaemonRunning() bool {
	client, err := Connect()
	if err != nil {
		return false
	}
	client.Close()
	return true
}
